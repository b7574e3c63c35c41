/*
 * Copyright 2025 Google LLC
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *    https://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package sqlite registers a file-backed dialect used for local tables and
// end-to-end tests.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/apperrors"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/config"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/database"
)

type sqliteHandler struct{}

var _ database.DialectHandler = (*sqliteHandler)(nil)

func (h sqliteHandler) CreateCloudSQLPool(cfg config.DatabaseConfig) (*sql.DB, error) {
	return nil, fmt.Errorf("sqlite has no Cloud SQL variant")
}

func (h sqliteHandler) CreateStandardPool(cfg config.DatabaseConfig) (*sql.DB, error) {
	path := cfg.Path
	if path == "" {
		path = cfg.DBName
	}
	if path == "" {
		return nil, fmt.Errorf("sqlite requires database.path")
	}
	dbPool, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sql.Open (sqlite): %w", err)
	}
	// A single connection keeps in-memory databases visible to every query.
	dbPool.SetMaxOpenConns(1)
	return dbPool, nil
}

func (h sqliteHandler) Name() string { return "sqlite" }

func (h sqliteHandler) QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (h sqliteHandler) QualifiedTable(t database.TableIdentity) string {
	if t.Schema == "" {
		return h.QuoteIdentifier(t.Table)
	}
	return h.QuoteIdentifier(t.Schema) + "." + h.QuoteIdentifier(t.Table)
}

func (h sqliteHandler) SupportsNativeSampling() bool { return false }

func (h sqliteHandler) NativeSampleQuery(t database.TableIdentity, percent float64, limit int) string {
	return h.LimitQuery(t, limit)
}

func (h sqliteHandler) LimitQuery(t database.TableIdentity, limit int) string {
	return fmt.Sprintf("SELECT * FROM %s LIMIT %d", h.QualifiedTable(t), limit)
}

func (h sqliteHandler) PartitionQuery(t database.TableIdentity, info *database.PartitionInfo, p database.Partition, limit int) (string, error) {
	return "", fmt.Errorf("sqlite tables are never partitioned")
}

func schemaName(t database.TableIdentity) string {
	if t.Schema == "" {
		return "main"
	}
	return t.Schema
}

func (h sqliteHandler) DescribeTable(ctx context.Context, db *database.DB, t database.TableIdentity) (*database.TableSchema, error) {
	rows, err := db.Pool.QueryContext(ctx,
		`SELECT name, type, "notnull", pk, cid FROM pragma_table_info(?, ?) ORDER BY cid`,
		t.Table, schemaName(t))
	if err != nil {
		return nil, fmt.Errorf("error querying columns for table %s: %w", t, err)
	}
	defer rows.Close()

	schema := &database.TableSchema{Table: t}
	var pkColumns []string
	for rows.Next() {
		var col database.Column
		var notNull, pk, cid int
		if err := rows.Scan(&col.Name, &col.DataType, &notNull, &pk, &cid); err != nil {
			return nil, fmt.Errorf("error scanning column definition: %w", err)
		}
		col.Ordinal = cid + 1
		col.Nullable = notNull == 0 && pk == 0
		if pk > 0 {
			pkColumns = append(pkColumns, col.Name)
		}
		schema.Columns = append(schema.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating column rows: %w", err)
	}
	if len(schema.Columns) == 0 {
		return nil, &apperrors.SchemaNotFoundError{Table: t.String()}
	}
	for _, col := range pkColumns {
		schema.AddConstraintColumn("pk_"+t.Table, database.ConstraintPrimaryKey, col, "", "")
	}

	if err := h.loadForeignKeys(ctx, db, t, schema); err != nil {
		return nil, err
	}
	schema.MarkPrimaryKeys()

	countQuery := "SELECT COUNT(*) FROM " + h.QualifiedTable(t)
	if err := db.Pool.QueryRowContext(ctx, countQuery).Scan(&schema.RowEstimate); err != nil {
		return nil, fmt.Errorf("failed to count rows of %s: %w", t, err)
	}
	return schema, nil
}

func (h sqliteHandler) loadForeignKeys(ctx context.Context, db *database.DB, t database.TableIdentity, schema *database.TableSchema) error {
	rows, err := db.Pool.QueryContext(ctx,
		`SELECT id, "table", "from", COALESCE("to", '') FROM pragma_foreign_key_list(?, ?) ORDER BY id, seq`,
		t.Table, schemaName(t))
	if err != nil {
		return fmt.Errorf("failed to execute foreign key query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int
		var refTable, from, to string
		if err := rows.Scan(&id, &refTable, &from, &to); err != nil {
			return fmt.Errorf("failed to scan foreign key info: %w", err)
		}
		schema.AddConstraintColumn(fmt.Sprintf("fk_%s_%d", t.Table, id), database.ConstraintForeignKey, from, refTable, to)
	}
	return rows.Err()
}

func (h sqliteHandler) GetPartitionInfo(ctx context.Context, db *database.DB, t database.TableIdentity) (*database.PartitionInfo, error) {
	return database.Unpartitioned(), nil
}

// EstimateQueryCost validates query with EXPLAIN and reports the database
// file size, an upper bound for any single scan.
func (h sqliteHandler) EstimateQueryCost(ctx context.Context, db *database.DB, query string) (int64, error) {
	rows, err := db.Pool.QueryContext(ctx, "EXPLAIN "+query)
	if err != nil {
		return 0, fmt.Errorf("failed to explain query: %w", err)
	}
	rows.Close()

	var bytes int64
	err = db.Pool.QueryRowContext(ctx,
		"SELECT (SELECT page_count FROM pragma_page_count()) * (SELECT page_size FROM pragma_page_size())").Scan(&bytes)
	if err != nil {
		return 0, fmt.Errorf("failed to read database size: %w", err)
	}
	return bytes, nil
}

func init() {
	database.RegisterDialectHandler("sqlite", sqliteHandler{})
}

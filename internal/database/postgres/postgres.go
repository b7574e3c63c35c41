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
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"cloud.google.com/go/cloudsqlconn"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/apperrors"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/config"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/database"
)

// postgresHandler struct implements database.DialectHandler for PostgreSQL.
type postgresHandler struct{}

var _ database.DialectHandler = (*postgresHandler)(nil)

// schemaFilter resolves an empty schema to the session's current schema.
const schemaFilter = `COALESCE(NULLIF($1, ''), current_schema())`

// CreateCloudSQLPool for PostgreSQL
func (h postgresHandler) CreateCloudSQLPool(cfg config.DatabaseConfig) (*sql.DB, error) {
	mustGetenv := func(k string, cfg config.DatabaseConfig) string {
		v := ""
		switch k {
		case "user_name":
			v = cfg.User
		case "password":
			v = cfg.Password
		case "database_name":
			v = cfg.DBName
		case "instance_name":
			v = cfg.CloudSQLInstanceConnectionName
		case "PRIVATE_IP":
			if cfg.UsePrivateIP {
				v = "true"
			}
		}

		if v == "" {
			return os.Getenv(k)
		}
		return v
	}

	dbUser := mustGetenv("user_name", cfg)
	dbPwd := mustGetenv("password", cfg)
	dbName := mustGetenv("database_name", cfg)
	instanceConnectionName := mustGetenv("instance_name", cfg)
	usePrivate := mustGetenv("PRIVATE_IP", cfg)

	dsn := fmt.Sprintf("user=%s password=%s database=%s", dbUser, dbPwd, dbName)
	pgxConfig, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	var opts []cloudsqlconn.Option
	if usePrivate != "" && strings.ToLower(usePrivate) != "false" && usePrivate != "0" {
		opts = append(opts, cloudsqlconn.WithDefaultDialOptions(cloudsqlconn.WithPrivateIP()))
	}
	d, err := cloudsqlconn.NewDialer(context.Background(), opts...)
	if err != nil {
		return nil, err
	}
	pgxConfig.DialFunc = func(ctx context.Context, network, instance string) (net.Conn, error) {
		return d.Dial(ctx, instanceConnectionName)
	}
	dbURI := stdlib.RegisterConnConfig(pgxConfig)
	dbPool, err := sql.Open("pgx", dbURI)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}

	return dbPool, nil
}

// CreateStandardPool creates a standard PostgreSQL connection pool
func (h postgresHandler) CreateStandardPool(cfg config.DatabaseConfig) (*sql.DB, error) {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, sslMode,
	)

	dbPool, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	return dbPool, nil
}

func (h postgresHandler) Name() string { return "postgres" }

func (h postgresHandler) QuoteIdentifier(name string) string {
	return pq.QuoteIdentifier(name)
}

func (h postgresHandler) QualifiedTable(t database.TableIdentity) string {
	if t.Schema == "" {
		return h.QuoteIdentifier(t.Table)
	}
	return h.QuoteIdentifier(t.Schema) + "." + h.QuoteIdentifier(t.Table)
}

func (h postgresHandler) SupportsNativeSampling() bool { return true }

func (h postgresHandler) NativeSampleQuery(t database.TableIdentity, percent float64, limit int) string {
	return fmt.Sprintf("SELECT * FROM %s TABLESAMPLE SYSTEM (%s) LIMIT %d",
		h.QualifiedTable(t), database.FormatPercent(percent), limit)
}

func (h postgresHandler) LimitQuery(t database.TableIdentity, limit int) string {
	return fmt.Sprintf("SELECT * FROM %s LIMIT %d", h.QualifiedTable(t), limit)
}

// PartitionQuery reads straight from the partition's child table.
func (h postgresHandler) PartitionQuery(t database.TableIdentity, info *database.PartitionInfo, p database.Partition, limit int) (string, error) {
	if p.ID == "" {
		return "", fmt.Errorf("partition of %s has no id", t)
	}
	child := database.TableIdentity{Database: t.Database, Schema: t.Schema, Table: p.ID}
	return h.LimitQuery(child, limit), nil
}

// DescribeTable for PostgreSQL
func (h postgresHandler) DescribeTable(ctx context.Context, db *database.DB, t database.TableIdentity) (*database.TableSchema, error) {
	query := `
		SELECT column_name, data_type, is_nullable, ordinal_position
		FROM information_schema.columns
		WHERE table_schema = ` + schemaFilter + `
		AND table_name = $2
		ORDER BY ordinal_position;`

	rows, err := db.Pool.QueryContext(ctx, query, t.Schema, t.Table)
	if err != nil {
		return nil, fmt.Errorf("error querying columns for table %s: %w", t, err)
	}
	defer rows.Close()

	schema := &database.TableSchema{Table: t}
	for rows.Next() {
		var col database.Column
		var nullable string
		if err := rows.Scan(&col.Name, &col.DataType, &nullable, &col.Ordinal); err != nil {
			return nil, fmt.Errorf("error scanning column definition: %w", err)
		}
		col.Nullable = strings.EqualFold(nullable, "YES")
		schema.Columns = append(schema.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating column rows: %w", err)
	}
	if len(schema.Columns) == 0 {
		return nil, &apperrors.SchemaNotFoundError{Table: t.String()}
	}

	if err := h.loadConstraints(ctx, db, t, schema); err != nil {
		return nil, err
	}
	schema.MarkPrimaryKeys()

	estimateQuery := `
		SELECT GREATEST(c.reltuples, 0)::bigint
		FROM pg_catalog.pg_class c
		JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = ` + schemaFilter + `
		AND c.relname = $2;`
	if err := db.Pool.QueryRowContext(ctx, estimateQuery, t.Schema, t.Table).Scan(&schema.RowEstimate); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read row estimate for %s: %w", t, err)
	}
	return schema, nil
}

func (h postgresHandler) loadConstraints(ctx context.Context, db *database.DB, t database.TableIdentity, schema *database.TableSchema) error {
	query := `
		SELECT tc.constraint_name, tc.constraint_type, kcu.column_name,
			COALESCE(ccu.table_name, ''), COALESCE(ccu.column_name, '')
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
		LEFT JOIN information_schema.constraint_column_usage ccu
			ON tc.constraint_type = 'FOREIGN KEY'
			AND ccu.constraint_name = tc.constraint_name
			AND ccu.table_schema = tc.table_schema
		WHERE tc.table_schema = ` + schemaFilter + `
		AND tc.table_name = $2
		AND tc.constraint_type IN ('PRIMARY KEY', 'UNIQUE', 'FOREIGN KEY')
		ORDER BY tc.constraint_name, kcu.ordinal_position;`

	rows, err := db.Pool.QueryContext(ctx, query, t.Schema, t.Table)
	if err != nil {
		return fmt.Errorf("failed to execute constraint query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name, kind, column, refTable, refColumn string
		if err := rows.Scan(&name, &kind, &column, &refTable, &refColumn); err != nil {
			return fmt.Errorf("failed to scan constraint info: %w", err)
		}
		schema.AddConstraintColumn(name, database.ConstraintKind(kind), column, refTable, refColumn)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating constraint rows: %w", err)
	}
	return nil
}

// GetPartitionInfo reads declarative partitioning from the catalog. Every
// child table attached to the parent is one partition.
func (h postgresHandler) GetPartitionInfo(ctx context.Context, db *database.DB, t database.TableIdentity) (*database.PartitionInfo, error) {
	strategyQuery := `
		SELECT p.partstrat, COALESCE(a.attname, '')
		FROM pg_catalog.pg_partitioned_table p
		JOIN pg_catalog.pg_class c ON c.oid = p.partrelid
		JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
		LEFT JOIN pg_catalog.pg_attribute a ON a.attrelid = c.oid AND a.attnum = p.partattrs[0]
		WHERE n.nspname = ` + schemaFilter + `
		AND c.relname = $2;`

	var strategy, column string
	err := db.Pool.QueryRowContext(ctx, strategyQuery, t.Schema, t.Table).Scan(&strategy, &column)
	if errors.Is(err, sql.ErrNoRows) {
		return database.Unpartitioned(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read partition strategy for %s: %w", t, err)
	}

	info := &database.PartitionInfo{
		IsPartitioned: true,
		Type:          partitionType(strategy),
		Column:        column,
	}

	childQuery := `
		SELECT child.relname, GREATEST(child.reltuples, 0)::bigint, pg_relation_size(child.oid)
		FROM pg_catalog.pg_inherits i
		JOIN pg_catalog.pg_class parent ON parent.oid = i.inhparent
		JOIN pg_catalog.pg_namespace n ON n.oid = parent.relnamespace
		JOIN pg_catalog.pg_class child ON child.oid = i.inhrelid
		WHERE n.nspname = ` + schemaFilter + `
		AND parent.relname = $2
		ORDER BY child.relname;`

	rows, err := db.Pool.QueryContext(ctx, childQuery, t.Schema, t.Table)
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions of %s: %w", t, err)
	}
	defer rows.Close()

	for rows.Next() {
		var p database.Partition
		if err := rows.Scan(&p.ID, &p.RowCount, &p.LogicalBytes); err != nil {
			return nil, fmt.Errorf("failed to scan partition row: %w", err)
		}
		info.AvailablePartitions = append(info.AvailablePartitions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating partition rows: %w", err)
	}
	return info, nil
}

func partitionType(strategy string) database.PartitionType {
	switch strategy {
	case "r":
		return database.PartitionRange
	case "l":
		return database.PartitionList
	case "h":
		return database.PartitionHash
	}
	return database.PartitionNone
}

type explainPlan struct {
	Plan struct {
		Rows  float64 `json:"Plan Rows"`
		Width float64 `json:"Plan Width"`
	} `json:"Plan"`
}

// EstimateQueryCost uses the planner's output estimate, rows times width.
func (h postgresHandler) EstimateQueryCost(ctx context.Context, db *database.DB, query string) (int64, error) {
	var raw string
	if err := db.Pool.QueryRowContext(ctx, "EXPLAIN (FORMAT JSON) "+query).Scan(&raw); err != nil {
		return 0, fmt.Errorf("failed to explain query: %w", err)
	}
	var plans []explainPlan
	if err := json.Unmarshal([]byte(raw), &plans); err != nil {
		return 0, fmt.Errorf("failed to parse explain output: %w", err)
	}
	if len(plans) == 0 {
		return 0, fmt.Errorf("explain returned no plan")
	}
	return int64(plans[0].Plan.Rows * plans[0].Plan.Width), nil
}

func init() {
	database.RegisterDialectHandler("postgres", postgresHandler{})
	database.RegisterDialectHandler("cloudsqlpostgres", postgresHandler{})
}

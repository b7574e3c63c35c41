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
package sqlserver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"cloud.google.com/go/cloudsqlconn"
	mssql "github.com/denisenkom/go-mssqldb"

	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/apperrors"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/config"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/database"
)

// sqlServerHandler struct implements database.DialectHandler for SQL Server.
type sqlServerHandler struct{}

var _ database.DialectHandler = (*sqlServerHandler)(nil)

// schemaFilter resolves an empty schema to the caller's default schema.
const schemaFilter = "COALESCE(NULLIF(@p1, ''), SCHEMA_NAME())"

type csqlDialer struct {
	dialer     *cloudsqlconn.Dialer
	connName   string
	usePrivate bool
}

// DialContext adheres to the mssql.Dialer interface.
func (c *csqlDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	var opts []cloudsqlconn.DialOption
	if c.usePrivate {
		opts = append(opts, cloudsqlconn.WithPrivateIP())
	}
	return c.dialer.Dial(ctx, c.connName, opts...)
}

// CreateCloudSQLPool for SQL Server
func (h sqlServerHandler) CreateCloudSQLPool(cfg config.DatabaseConfig) (*sql.DB, error) {
	instanceConnectionName := cfg.CloudSQLInstanceConnectionName
	if instanceConnectionName == "" {
		instanceConnectionName = os.Getenv("instance_name")
	}

	// WithLazyRefresh() refreshes certificates on demand, which suits
	// short-lived CLI invocations.
	dialer, err := cloudsqlconn.NewDialer(context.Background(), cloudsqlconn.WithLazyRefresh())
	if err != nil {
		return nil, fmt.Errorf("cloudsqlconn.NewDialer: %w", err)
	}
	connector, err := mssql.NewConnector(fmt.Sprintf("sqlserver://%s:%s@localhost:1433?database=%s&dial=cloudsqlconn&instance=%s",
		cfg.User, cfg.Password, cfg.DBName, instanceConnectionName))
	if err != nil {
		return nil, fmt.Errorf("mssql.NewConnector: %w", err)
	}
	connector.Dialer = &csqlDialer{
		dialer:     dialer,
		connName:   instanceConnectionName,
		usePrivate: cfg.UsePrivateIP,
	}

	return sql.OpenDB(connector), nil
}

// CreateStandardPool creates a standard SQL Server connection pool
func (h sqlServerHandler) CreateStandardPool(cfg config.DatabaseConfig) (*sql.DB, error) {
	port := cfg.Port
	if port == 0 {
		port = 1433
	}
	connStr := fmt.Sprintf("sqlserver://%s:%s@%s:%d?database=%s",
		cfg.User, cfg.Password, cfg.Host, port, cfg.DBName)

	dbPool, err := sql.Open("sqlserver", connStr)
	if err != nil {
		return nil, fmt.Errorf("sql.Open (standard sqlserver): %w", err)
	}
	return dbPool, nil
}

func (h sqlServerHandler) Name() string { return "sqlserver" }

// QuoteIdentifier uses square brackets, doubling any closing bracket.
func (h sqlServerHandler) QuoteIdentifier(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func (h sqlServerHandler) QualifiedTable(t database.TableIdentity) string {
	if t.Schema == "" {
		return h.QuoteIdentifier(t.Table)
	}
	return h.QuoteIdentifier(t.Schema) + "." + h.QuoteIdentifier(t.Table)
}

func (h sqlServerHandler) SupportsNativeSampling() bool { return true }

func (h sqlServerHandler) NativeSampleQuery(t database.TableIdentity, percent float64, limit int) string {
	return fmt.Sprintf("SELECT TOP (%d) * FROM %s TABLESAMPLE SYSTEM (%s PERCENT)",
		limit, h.QualifiedTable(t), database.FormatPercent(percent))
}

func (h sqlServerHandler) LimitQuery(t database.TableIdentity, limit int) string {
	return fmt.Sprintf("SELECT TOP (%d) * FROM %s", limit, h.QualifiedTable(t))
}

// PartitionQuery filters on the partition number through $PARTITION.
func (h sqlServerHandler) PartitionQuery(t database.TableIdentity, info *database.PartitionInfo, p database.Partition, limit int) (string, error) {
	if info == nil || info.Function == "" || info.Column == "" {
		return "", fmt.Errorf("partition function of %s is unknown", t)
	}
	number, err := strconv.Atoi(p.ID)
	if err != nil {
		return "", fmt.Errorf("invalid partition number %q: %w", p.ID, err)
	}
	return fmt.Sprintf("SELECT TOP (%d) * FROM %s WHERE $PARTITION.%s(%s) = %d",
		limit, h.QualifiedTable(t), h.QuoteIdentifier(info.Function), h.QuoteIdentifier(info.Column), number), nil
}

func (h sqlServerHandler) DescribeTable(ctx context.Context, db *database.DB, t database.TableIdentity) (*database.TableSchema, error) {
	query := "SELECT COLUMN_NAME, DATA_TYPE, IS_NULLABLE, ORDINAL_POSITION FROM INFORMATION_SCHEMA.COLUMNS " +
		"WHERE TABLE_SCHEMA = " + schemaFilter + " AND TABLE_NAME = @p2 ORDER BY ORDINAL_POSITION"

	rows, err := db.Pool.QueryContext(ctx, query, sql.Named("p1", t.Schema), sql.Named("p2", t.Table))
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
		SELECT COALESCE(SUM(p.rows), 0)
		FROM sys.partitions p
		JOIN sys.tables tb ON tb.object_id = p.object_id
		JOIN sys.schemas s ON s.schema_id = tb.schema_id
		WHERE s.name = ` + schemaFilter + ` AND tb.name = @p2 AND p.index_id IN (0, 1)`
	if err := db.Pool.QueryRowContext(ctx, estimateQuery, sql.Named("p1", t.Schema), sql.Named("p2", t.Table)).Scan(&schema.RowEstimate); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read row estimate for %s: %w", t, err)
	}
	return schema, nil
}

func (h sqlServerHandler) loadConstraints(ctx context.Context, db *database.DB, t database.TableIdentity, schema *database.TableSchema) error {
	query := `
		SELECT tc.CONSTRAINT_NAME, tc.CONSTRAINT_TYPE, kcu.COLUMN_NAME,
			COALESCE(rk.TABLE_NAME, ''), COALESCE(rk.COLUMN_NAME, '')
		FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
		JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE kcu
			ON kcu.CONSTRAINT_NAME = tc.CONSTRAINT_NAME AND kcu.TABLE_SCHEMA = tc.TABLE_SCHEMA
		LEFT JOIN INFORMATION_SCHEMA.REFERENTIAL_CONSTRAINTS rc
			ON rc.CONSTRAINT_NAME = tc.CONSTRAINT_NAME AND rc.CONSTRAINT_SCHEMA = tc.TABLE_SCHEMA
		LEFT JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE rk
			ON rk.CONSTRAINT_NAME = rc.UNIQUE_CONSTRAINT_NAME AND rk.ORDINAL_POSITION = kcu.ORDINAL_POSITION
		WHERE tc.TABLE_SCHEMA = ` + schemaFilter + ` AND tc.TABLE_NAME = @p2
		AND tc.CONSTRAINT_TYPE IN ('PRIMARY KEY', 'UNIQUE', 'FOREIGN KEY')
		ORDER BY tc.CONSTRAINT_NAME, kcu.ORDINAL_POSITION`

	rows, err := db.Pool.QueryContext(ctx, query, sql.Named("p1", t.Schema), sql.Named("p2", t.Table))
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
	return rows.Err()
}

// GetPartitionInfo reads partition scheme metadata from the sys catalog.
// Partition ids are partition numbers.
func (h sqlServerHandler) GetPartitionInfo(ctx context.Context, db *database.DB, t database.TableIdentity) (*database.PartitionInfo, error) {
	query := `
		SELECT p.partition_number, p.rows, COALESCE(SUM(a.total_pages), 0) * 8192, pf.name, c.name
		FROM sys.partitions p
		JOIN sys.tables tb ON tb.object_id = p.object_id
		JOIN sys.schemas s ON s.schema_id = tb.schema_id
		JOIN sys.indexes i ON i.object_id = p.object_id AND i.index_id = p.index_id
		JOIN sys.partition_schemes ps ON ps.data_space_id = i.data_space_id
		JOIN sys.partition_functions pf ON pf.function_id = ps.function_id
		JOIN sys.index_columns ic ON ic.object_id = i.object_id AND ic.index_id = i.index_id AND ic.partition_ordinal = 1
		JOIN sys.columns c ON c.object_id = ic.object_id AND c.column_id = ic.column_id
		LEFT JOIN sys.allocation_units a ON a.container_id = p.partition_id
		WHERE s.name = ` + schemaFilter + ` AND tb.name = @p2 AND p.index_id IN (0, 1)
		GROUP BY p.partition_number, p.rows, pf.name, c.name
		ORDER BY p.partition_number`

	rows, err := db.Pool.QueryContext(ctx, query, sql.Named("p1", t.Schema), sql.Named("p2", t.Table))
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions of %s: %w", t, err)
	}
	defer rows.Close()

	info := database.Unpartitioned()
	for rows.Next() {
		var number int
		var p database.Partition
		var function, column string
		if err := rows.Scan(&number, &p.RowCount, &p.LogicalBytes, &function, &column); err != nil {
			return nil, fmt.Errorf("failed to scan partition row: %w", err)
		}
		p.ID = strconv.Itoa(number)
		if !info.IsPartitioned {
			info.IsPartitioned = true
			info.Type = database.PartitionRange
			info.Function = function
			info.Column = column
		}
		info.AvailablePartitions = append(info.AvailablePartitions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating partition rows: %w", err)
	}
	return info, nil
}

// EstimateQueryCost reads the root operator of the estimated plan on a
// dedicated connection, since SHOWPLAN_ALL is session state.
func (h sqlServerHandler) EstimateQueryCost(ctx context.Context, db *database.DB, query string) (int64, error) {
	conn, err := db.Pool.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "SET SHOWPLAN_ALL ON"); err != nil {
		return 0, fmt.Errorf("failed to enable showplan: %w", err)
	}
	defer conn.ExecContext(context.Background(), "SET SHOWPLAN_ALL OFF")

	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to explain query: %w", err)
	}
	defer rows.Close()

	plan, err := database.ScanRows(rows)
	if err != nil {
		return 0, err
	}
	if len(plan) == 0 {
		return 0, fmt.Errorf("showplan returned no rows")
	}
	estimateRows := toFloat(plan[0]["EstimateRows"])
	avgRowSize := toFloat(plan[0]["AvgRowSize"])
	return int64(estimateRows * avgRowSize), nil
}

func toFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case int64:
		return float64(x)
	case int:
		return float64(x)
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	}
	return 0
}

func init() {
	database.RegisterDialectHandler("sqlserver", sqlServerHandler{})
	database.RegisterDialectHandler("cloudsqlsqlserver", sqlServerHandler{})
}

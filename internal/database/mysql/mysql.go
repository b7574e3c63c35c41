package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"cloud.google.com/go/cloudsqlconn"
	"github.com/dustin/go-humanize"
	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/apperrors"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/config"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/database"
)

type mysqlHandler struct{}

var _ database.DialectHandler = (*mysqlHandler)(nil)

// schemaFilter resolves an empty schema to the connection's default database.
const schemaFilter = "COALESCE(NULLIF(?, ''), DATABASE())"

func (h mysqlHandler) CreateCloudSQLPool(cfg config.DatabaseConfig) (*sql.DB, error) {
	if cfg.User == "" || cfg.Password == "" || cfg.DBName == "" || cfg.CloudSQLInstanceConnectionName == "" {
		return nil, fmt.Errorf("missing required CloudSQL connection parameter (user, pass, db, instance)")
	}
	instanceConnectionName := cfg.CloudSQLInstanceConnectionName

	d, err := cloudsqlconn.NewDialer(context.Background())
	if err != nil {
		return nil, fmt.Errorf("cloudsqlconn.NewDialer: %w", err)
	}

	var opts []cloudsqlconn.DialOption
	if cfg.UsePrivateIP {
		opts = append(opts, cloudsqlconn.WithPrivateIP())
	}

	network := fmt.Sprintf("cloudsql-%s", instanceConnectionName)

	mysql.RegisterDialContext(network,
		func(ctx context.Context, addr string) (net.Conn, error) {
			conn, dialErr := d.Dial(ctx, instanceConnectionName, opts...)
			if dialErr != nil {
				zap.L().Error("cloud sql dial failed", zap.String("instance", instanceConnectionName), zap.Error(dialErr))
			}
			return conn, dialErr
		})

	mysqlCfg := mysql.Config{
		User:                 cfg.User,
		Passwd:               cfg.Password,
		Net:                  network,
		Addr:                 instanceConnectionName,
		DBName:               cfg.DBName,
		AllowNativePasswords: true,
		ParseTime:            true,
	}

	dbPool, err := sql.Open("mysql", mysqlCfg.FormatDSN())
	if err != nil {
		mysql.DeregisterDialContext(network)
		d.Close()
		return nil, fmt.Errorf("sql.Open failed for CloudSQL MySQL: %w", err)
	}
	return dbPool, nil
}

func (h mysqlHandler) CreateStandardPool(cfg config.DatabaseConfig) (*sql.DB, error) {
	port := cfg.Port
	if port == 0 {
		port = 3306
	}
	mysqlCfg := mysql.Config{
		User:                 cfg.User,
		Passwd:               cfg.Password,
		Net:                  "tcp",
		Addr:                 fmt.Sprintf("%s:%d", cfg.Host, port),
		DBName:               cfg.DBName,
		AllowNativePasswords: true,
		ParseTime:            true,
	}

	dbPool, err := sql.Open("mysql", mysqlCfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("sql.Open (standard mysql): %w", err)
	}
	return dbPool, nil
}

func (h mysqlHandler) Name() string { return "mysql" }

func (h mysqlHandler) QuoteIdentifier(name string) string {
	name = strings.ReplaceAll(name, "`", "``")
	return fmt.Sprintf("`%s`", name)
}

// QualifiedTable uses the schema, falling back to the database name, since
// MySQL treats both as the same namespace.
func (h mysqlHandler) QualifiedTable(t database.TableIdentity) string {
	schema := schemaName(t)
	if schema == "" {
		return h.QuoteIdentifier(t.Table)
	}
	return h.QuoteIdentifier(schema) + "." + h.QuoteIdentifier(t.Table)
}

func schemaName(t database.TableIdentity) string {
	if t.Schema != "" {
		return t.Schema
	}
	return t.Database
}

// MySQL has no TABLESAMPLE.
func (h mysqlHandler) SupportsNativeSampling() bool { return false }

func (h mysqlHandler) NativeSampleQuery(t database.TableIdentity, percent float64, limit int) string {
	return h.LimitQuery(t, limit)
}

func (h mysqlHandler) LimitQuery(t database.TableIdentity, limit int) string {
	return fmt.Sprintf("SELECT * FROM %s LIMIT %d", h.QualifiedTable(t), limit)
}

// PartitionQuery uses explicit partition selection.
func (h mysqlHandler) PartitionQuery(t database.TableIdentity, info *database.PartitionInfo, p database.Partition, limit int) (string, error) {
	if p.ID == "" {
		return "", fmt.Errorf("partition of %s has no id", t)
	}
	return fmt.Sprintf("SELECT * FROM %s PARTITION (%s) LIMIT %d",
		h.QualifiedTable(t), h.QuoteIdentifier(p.ID), limit), nil
}

func (h mysqlHandler) DescribeTable(ctx context.Context, db *database.DB, t database.TableIdentity) (*database.TableSchema, error) {
	query := "SELECT COLUMN_NAME, DATA_TYPE, IS_NULLABLE, ORDINAL_POSITION FROM information_schema.COLUMNS " +
		"WHERE TABLE_SCHEMA = " + schemaFilter + " AND TABLE_NAME = ? ORDER BY ORDINAL_POSITION"

	rows, err := db.Pool.QueryContext(ctx, query, schemaName(t), t.Table)
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

	estimateQuery := "SELECT COALESCE(TABLE_ROWS, 0) FROM information_schema.TABLES " +
		"WHERE TABLE_SCHEMA = " + schemaFilter + " AND TABLE_NAME = ?"
	if err := db.Pool.QueryRowContext(ctx, estimateQuery, schemaName(t), t.Table).Scan(&schema.RowEstimate); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read row estimate for %s: %w", t, err)
	}
	return schema, nil
}

func (h mysqlHandler) loadConstraints(ctx context.Context, db *database.DB, t database.TableIdentity, schema *database.TableSchema) error {
	query := `
		SELECT kcu.CONSTRAINT_NAME, tc.CONSTRAINT_TYPE, kcu.COLUMN_NAME,
			COALESCE(kcu.REFERENCED_TABLE_NAME, ''), COALESCE(kcu.REFERENCED_COLUMN_NAME, '')
		FROM information_schema.KEY_COLUMN_USAGE kcu
		JOIN information_schema.TABLE_CONSTRAINTS tc
			ON tc.CONSTRAINT_SCHEMA = kcu.CONSTRAINT_SCHEMA
			AND tc.TABLE_NAME = kcu.TABLE_NAME
			AND tc.CONSTRAINT_NAME = kcu.CONSTRAINT_NAME
		WHERE kcu.TABLE_SCHEMA = ` + schemaFilter + `
		AND kcu.TABLE_NAME = ?
		ORDER BY kcu.CONSTRAINT_NAME, kcu.ORDINAL_POSITION`

	rows, err := db.Pool.QueryContext(ctx, query, schemaName(t), t.Table)
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

func (h mysqlHandler) GetPartitionInfo(ctx context.Context, db *database.DB, t database.TableIdentity) (*database.PartitionInfo, error) {
	query := "SELECT PARTITION_NAME, COALESCE(PARTITION_METHOD, ''), COALESCE(PARTITION_EXPRESSION, ''), " +
		"COALESCE(TABLE_ROWS, 0), COALESCE(DATA_LENGTH, 0) FROM information_schema.PARTITIONS " +
		"WHERE TABLE_SCHEMA = " + schemaFilter + " AND TABLE_NAME = ? AND PARTITION_NAME IS NOT NULL " +
		"ORDER BY PARTITION_ORDINAL_POSITION"

	rows, err := db.Pool.QueryContext(ctx, query, schemaName(t), t.Table)
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions of %s: %w", t, err)
	}
	defer rows.Close()

	info := database.Unpartitioned()
	for rows.Next() {
		var p database.Partition
		var method, expression string
		if err := rows.Scan(&p.ID, &method, &expression, &p.RowCount, &p.LogicalBytes); err != nil {
			return nil, fmt.Errorf("failed to scan partition row: %w", err)
		}
		if !info.IsPartitioned {
			info.IsPartitioned = true
			info.Type = partitionType(method)
			info.Column = strings.Trim(expression, "`")
		}
		info.AvailablePartitions = append(info.AvailablePartitions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating partition rows: %w", err)
	}
	return info, nil
}

func partitionType(method string) database.PartitionType {
	switch {
	case strings.HasPrefix(method, "RANGE"):
		return database.PartitionRange
	case strings.HasPrefix(method, "LIST"):
		return database.PartitionList
	case strings.Contains(method, "HASH"), strings.Contains(method, "KEY"):
		return database.PartitionHash
	}
	return database.PartitionNone
}

// EstimateQueryCost sums every data_read_per_join reported by
// EXPLAIN FORMAT=JSON.
func (h mysqlHandler) EstimateQueryCost(ctx context.Context, db *database.DB, query string) (int64, error) {
	var raw string
	if err := db.Pool.QueryRowContext(ctx, "EXPLAIN FORMAT=JSON "+query).Scan(&raw); err != nil {
		return 0, fmt.Errorf("failed to explain query: %w", err)
	}
	var plan map[string]any
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return 0, fmt.Errorf("failed to parse explain output: %w", err)
	}
	return sumDataRead(plan)
}

func sumDataRead(node any) (int64, error) {
	var total int64
	switch n := node.(type) {
	case map[string]any:
		for k, v := range n {
			if k == "data_read_per_join" {
				s, ok := v.(string)
				if !ok {
					continue
				}
				b, err := parseMySQLBytes(s)
				if err != nil {
					return 0, err
				}
				total += b
				continue
			}
			sub, err := sumDataRead(v)
			if err != nil {
				return 0, err
			}
			total += sub
		}
	case []any:
		for _, v := range n {
			sub, err := sumDataRead(v)
			if err != nil {
				return 0, err
			}
			total += sub
		}
	}
	return total, nil
}

// parseMySQLBytes parses sizes such as "800", "12K" or "1.5M". MySQL uses
// binary multiples.
func parseMySQLBytes(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s != "" {
		switch s[len(s)-1] {
		case 'K', 'M', 'G', 'T', 'P', 'E':
			s += "i"
		}
	}
	b, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid data_read_per_join %q: %w", s, err)
	}
	return int64(b), nil
}

func init() {
	database.RegisterDialectHandler("mysql", mysqlHandler{})
	database.RegisterDialectHandler("cloudsqlmysql", mysqlHandler{})
}

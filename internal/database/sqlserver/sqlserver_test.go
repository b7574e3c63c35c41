package sqlserver

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/apperrors"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/database"
)

func newMockSQLServerDB(t *testing.T) (*database.DB, sqlmock.Sqlmock, sqlServerHandler) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	h := sqlServerHandler{}
	return &database.DB{Pool: mockDB, Handler: h}, mock, h
}

func TestSQLServerQueryBuilders(t *testing.T) {
	h := sqlServerHandler{}
	table := database.TableIdentity{Schema: "dbo", Table: "orders"}

	assert.Equal(t, "[a]]b]", h.QuoteIdentifier("a]b"))
	assert.Equal(t, "SELECT TOP (100) * FROM [dbo].[orders] TABLESAMPLE SYSTEM (5 PERCENT)", h.NativeSampleQuery(table, 5, 100))
	assert.Equal(t, "SELECT TOP (10) * FROM [dbo].[orders]", h.LimitQuery(table, 10))

	info := &database.PartitionInfo{IsPartitioned: true, Function: "pf_orders", Column: "order_date"}
	q, err := h.PartitionQuery(table, info, database.Partition{ID: "3"}, 50)
	require.NoError(t, err)
	assert.Equal(t, "SELECT TOP (50) * FROM [dbo].[orders] WHERE $PARTITION.[pf_orders]([order_date]) = 3", q)

	_, err = h.PartitionQuery(table, &database.PartitionInfo{}, database.Partition{ID: "3"}, 50)
	assert.Error(t, err)
	_, err = h.PartitionQuery(table, info, database.Partition{ID: "abc"}, 50)
	assert.Error(t, err)
}

func TestSQLServerDescribeTable(t *testing.T) {
	db, mock, h := newMockSQLServerDB(t)
	defer db.Close()
	table := database.TableIdentity{Schema: "dbo", Table: "orders"}
	args := []sqlmock.Argument{sql.Named("p1", "dbo"), sql.Named("p2", "orders")}

	mock.ExpectQuery(regexp.QuoteMeta("FROM INFORMATION_SCHEMA.COLUMNS")).
		WithArgs(args...).
		WillReturnRows(sqlmock.NewRows([]string{"COLUMN_NAME", "DATA_TYPE", "IS_NULLABLE", "ORDINAL_POSITION"}).
			AddRow("id", "int", "NO", 1).
			AddRow("customer_id", "int", "YES", 2))
	mock.ExpectQuery(regexp.QuoteMeta("FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc")).
		WithArgs(args...).
		WillReturnRows(sqlmock.NewRows([]string{"name", "type", "column", "ref_table", "ref_column"}).
			AddRow("PK_orders", "PRIMARY KEY", "id", "", "").
			AddRow("FK_orders_customer_id", "FOREIGN KEY", "customer_id", "customers", "id"))
	mock.ExpectQuery(regexp.QuoteMeta("COALESCE(SUM(p.rows), 0)")).
		WithArgs(args...).
		WillReturnRows(sqlmock.NewRows([]string{"rows"}).AddRow(int64(99)))

	schema, err := h.DescribeTable(context.Background(), db, table)
	require.NoError(t, err)
	assert.Len(t, schema.Columns, 2)
	assert.True(t, schema.Columns[0].PrimaryKey)
	assert.Equal(t, int64(99), schema.RowEstimate)
	require.Len(t, schema.ForeignKeys(), 1)

	mock.ExpectQuery(regexp.QuoteMeta("FROM INFORMATION_SCHEMA.COLUMNS")).
		WithArgs(sql.Named("p1", "dbo"), sql.Named("p2", "ghost")).
		WillReturnRows(sqlmock.NewRows([]string{"COLUMN_NAME", "DATA_TYPE", "IS_NULLABLE", "ORDINAL_POSITION"}))
	_, err = h.DescribeTable(context.Background(), db, database.TableIdentity{Schema: "dbo", Table: "ghost"})
	var notFound *apperrors.SchemaNotFoundError
	assert.ErrorAs(t, err, &notFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLServerGetPartitionInfo(t *testing.T) {
	db, mock, h := newMockSQLServerDB(t)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM sys.partitions p")).
		WithArgs(sql.Named("p1", "dbo"), sql.Named("p2", "orders")).
		WillReturnRows(sqlmock.NewRows([]string{"partition_number", "rows", "bytes", "function", "column"}).
			AddRow(1, int64(0), int64(0), "pf_orders", "order_date").
			AddRow(2, int64(300), int64(81920), "pf_orders", "order_date"))

	info, err := h.GetPartitionInfo(context.Background(), db, database.TableIdentity{Schema: "dbo", Table: "orders"})
	require.NoError(t, err)
	assert.True(t, info.IsPartitioned)
	assert.Equal(t, "pf_orders", info.Function)
	assert.Equal(t, "order_date", info.Column)
	require.Len(t, info.AvailablePartitions, 2)
	assert.Equal(t, "2", info.AvailablePartitions[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLServerEstimateQueryCost(t *testing.T) {
	db, mock, h := newMockSQLServerDB(t)
	defer db.Close()

	mock.ExpectExec("SET SHOWPLAN_ALL ON").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT TOP (10) * FROM [dbo].[orders]")).
		WillReturnRows(sqlmock.NewRows([]string{"StmtText", "EstimateRows", "AvgRowSize"}).
			AddRow("SELECT TOP (10) ...", 10.0, int64(64)).
			AddRow("|--Top", 10.0, int64(64)))
	mock.ExpectExec("SET SHOWPLAN_ALL OFF").WillReturnResult(sqlmock.NewResult(0, 0))

	bytes, err := h.EstimateQueryCost(context.Background(), db, "SELECT TOP (10) * FROM [dbo].[orders]")
	require.NoError(t, err)
	assert.Equal(t, int64(640), bytes)
	assert.NoError(t, mock.ExpectationsWereMet())
}

package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/apperrors"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/config"
)

// Mock DialectHandler implementation
type mockDialectHandler struct {
	createPoolFn  func(cfg config.DatabaseConfig) (*sql.DB, error)
	describeFn    func(ctx context.Context, db *DB, table TableIdentity) (*TableSchema, error)
	partitionsFn  func(ctx context.Context, db *DB, table TableIdentity) (*PartitionInfo, error)
	estimateFn    func(ctx context.Context, db *DB, query string) (int64, error)
	cloudSQLCalls int
	standardCalls int
}

func (m *mockDialectHandler) Name() string                    { return "mock" }
func (m *mockDialectHandler) QuoteIdentifier(n string) string { return `"` + n + `"` }
func (m *mockDialectHandler) QualifiedTable(t TableIdentity) string {
	return m.QuoteIdentifier(t.Table)
}
func (m *mockDialectHandler) SupportsNativeSampling() bool { return false }
func (m *mockDialectHandler) NativeSampleQuery(t TableIdentity, p float64, limit int) string {
	return m.LimitQuery(t, limit)
}
func (m *mockDialectHandler) LimitQuery(t TableIdentity, limit int) string {
	return fmt.Sprintf("SELECT * FROM %s LIMIT %d", m.QualifiedTable(t), limit)
}
func (m *mockDialectHandler) PartitionQuery(t TableIdentity, info *PartitionInfo, p Partition, limit int) (string, error) {
	return "", errors.New("not partitioned")
}

func (m *mockDialectHandler) CreateCloudSQLPool(cfg config.DatabaseConfig) (*sql.DB, error) {
	m.cloudSQLCalls++
	return m.pool(cfg)
}

func (m *mockDialectHandler) CreateStandardPool(cfg config.DatabaseConfig) (*sql.DB, error) {
	m.standardCalls++
	return m.pool(cfg)
}

func (m *mockDialectHandler) pool(cfg config.DatabaseConfig) (*sql.DB, error) {
	if m.createPoolFn != nil {
		return m.createPoolFn(cfg)
	}
	mockDb, _, err := sqlmock.New()
	return mockDb, err
}

func (m *mockDialectHandler) DescribeTable(ctx context.Context, db *DB, t TableIdentity) (*TableSchema, error) {
	return m.describeFn(ctx, db, t)
}

func (m *mockDialectHandler) GetPartitionInfo(ctx context.Context, db *DB, t TableIdentity) (*PartitionInfo, error) {
	if m.partitionsFn == nil {
		return Unpartitioned(), nil
	}
	return m.partitionsFn(ctx, db, t)
}

func (m *mockDialectHandler) EstimateQueryCost(ctx context.Context, db *DB, q string) (int64, error) {
	return m.estimateFn(ctx, db, q)
}

func TestRegisterAndGetDialectHandler(t *testing.T) {
	handler := &mockDialectHandler{}
	RegisterDialectHandler("mocktest", handler)

	got, err := GetDialectHandler("mocktest")
	require.NoError(t, err)
	assert.Same(t, handler, got)
	assert.Contains(t, Dialects(), "mocktest")

	_, err = GetDialectHandler("nonexistent")
	assert.EqualError(t, err, "unsupported database dialect: nonexistent")
}

func TestNew(t *testing.T) {
	t.Run("standard pool", func(t *testing.T) {
		handler := &mockDialectHandler{}
		RegisterDialectHandler("mockstd", handler)

		db, err := New(context.Background(), config.DatabaseConfig{Dialect: "mockstd"}, zap.NewNop())
		require.NoError(t, err)
		defer db.Close()
		assert.Equal(t, 1, handler.standardCalls)
		assert.Equal(t, 0, handler.cloudSQLCalls)
		assert.Equal(t, "mock", db.Dialect().Name())
	})

	t.Run("cloudsql pool", func(t *testing.T) {
		handler := &mockDialectHandler{}
		RegisterDialectHandler("cloudsqlmock", handler)

		db, err := New(context.Background(), config.DatabaseConfig{Dialect: "cloudsqlmock"}, nil)
		require.NoError(t, err)
		defer db.Close()
		assert.Equal(t, 1, handler.cloudSQLCalls)
	})

	t.Run("ping failure is a connection error", func(t *testing.T) {
		handler := &mockDialectHandler{
			createPoolFn: func(cfg config.DatabaseConfig) (*sql.DB, error) {
				mockDb, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
				if err != nil {
					return nil, err
				}
				mock.ExpectPing().WillReturnError(driver.ErrBadConn)
				return mockDb, nil
			},
		}
		RegisterDialectHandler("mockping", handler)

		_, err := New(context.Background(), config.DatabaseConfig{Dialect: "mockping"}, nil)
		var connErr *apperrors.ConnectionError
		assert.ErrorAs(t, err, &connErr)
	})

	t.Run("pool creation failure", func(t *testing.T) {
		handler := &mockDialectHandler{
			createPoolFn: func(cfg config.DatabaseConfig) (*sql.DB, error) {
				return nil, errors.New("boom")
			},
		}
		RegisterDialectHandler("mockfail", handler)

		_, err := New(context.Background(), config.DatabaseConfig{Dialect: "mockfail"}, nil)
		assert.ErrorContains(t, err, "failed to create database pool for dialect mockfail")
	})
}

func TestOpenPrefersOpener(t *testing.T) {
	called := false
	RegisterOpener("mockopener", func(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (Provider, error) {
		called = true
		return nil, errors.New("opener used")
	})

	_, err := Open(context.Background(), config.DatabaseConfig{Dialect: "mockopener"}, nil)
	assert.True(t, called)
	assert.EqualError(t, err, "opener used")
}

func TestExecuteQuery(t *testing.T) {
	mockDb, mock, err := sqlmock.New()
	require.NoError(t, err)
	db := &DB{Pool: mockDb, Handler: &mockDialectHandler{}}
	defer db.Close()

	t.Run("materializes rows", func(t *testing.T) {
		mock.ExpectQuery("SELECT \\* FROM orders LIMIT 2").
			WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).
				AddRow(1, []byte("pending")).
				AddRow(2, nil))

		rows, err := db.ExecuteQuery(context.Background(), "SELECT * FROM orders LIMIT 2")
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, "pending", rows[0]["status"])
		assert.Nil(t, rows[1]["status"])
	})

	t.Run("bad connection is classified", func(t *testing.T) {
		mock.ExpectQuery("SELECT 1").WillReturnError(driver.ErrBadConn)

		_, err := db.ExecuteQuery(context.Background(), "SELECT 1")
		var connErr *apperrors.ConnectionError
		assert.ErrorAs(t, err, &connErr)
		assert.True(t, apperrors.IsTransient(err))
	})

	t.Run("statement errors are not transient", func(t *testing.T) {
		mock.ExpectQuery("SELECT nope").WillReturnError(errors.New("syntax error"))

		_, err := db.ExecuteQuery(context.Background(), "SELECT nope")
		require.Error(t, err)
		assert.False(t, apperrors.IsTransient(err))
	})

	t.Run("timeouts are not transient", func(t *testing.T) {
		mock.ExpectQuery("SELECT slow").WillReturnError(fmt.Errorf("read: %w", context.DeadlineExceeded))

		_, err := db.ExecuteQuery(context.Background(), "SELECT slow")
		require.ErrorIs(t, err, context.DeadlineExceeded)
		var connErr *apperrors.ConnectionError
		assert.False(t, errors.As(err, &connErr))
		assert.False(t, apperrors.IsTransient(err))
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDelegation(t *testing.T) {
	table := TableIdentity{Schema: "public", Table: "orders"}
	handler := &mockDialectHandler{
		describeFn: func(ctx context.Context, db *DB, got TableIdentity) (*TableSchema, error) {
			return nil, &apperrors.SchemaNotFoundError{Table: got.String()}
		},
		estimateFn: func(ctx context.Context, db *DB, q string) (int64, error) {
			return 4096, nil
		},
	}
	db := &DB{Handler: handler}

	_, err := db.DescribeTable(context.Background(), table)
	var notFound *apperrors.SchemaNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "public.orders", notFound.Table)

	info, err := db.GetPartitionInfo(context.Background(), table)
	require.NoError(t, err)
	assert.False(t, info.IsPartitioned)

	bytes, err := db.EstimateQueryCost(context.Background(), "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, int64(4096), bytes)

	var empty DB
	_, err = empty.DescribeTable(context.Background(), table)
	assert.EqualError(t, err, "dialect handler not initialized")
}

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
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/apperrors"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/config"
)

// Provider is the connection/schema provider consumed by the generation
// pipeline.
type Provider interface {
	DescribeTable(ctx context.Context, table TableIdentity) (*TableSchema, error)
	GetPartitionInfo(ctx context.Context, table TableIdentity) (*PartitionInfo, error)
	ExecuteQuery(ctx context.Context, query string) ([]Row, error)
	// EstimateQueryCost reports the bytes query would process without
	// materializing any rows.
	EstimateQueryCost(ctx context.Context, query string) (int64, error)
	Dialect() Dialect
	Close() error
}

// Dialect builds the SQL the sampler issues. No dialect builds OFFSET
// pagination.
type Dialect interface {
	Name() string
	QuoteIdentifier(name string) string
	QualifiedTable(table TableIdentity) string
	SupportsNativeSampling() bool
	// NativeSampleQuery samples roughly percent of the table, capped at limit rows.
	NativeSampleQuery(table TableIdentity, percent float64, limit int) string
	LimitQuery(table TableIdentity, limit int) string
	// PartitionQuery returns a query restricted to a single partition.
	PartitionQuery(table TableIdentity, info *PartitionInfo, partition Partition, limit int) (string, error)
}

// DialectHandler implements a database/sql backed dialect. Handlers register
// themselves from their package init.
type DialectHandler interface {
	Dialect
	CreateCloudSQLPool(cfg config.DatabaseConfig) (*sql.DB, error)
	CreateStandardPool(cfg config.DatabaseConfig) (*sql.DB, error)
	DescribeTable(ctx context.Context, db *DB, table TableIdentity) (*TableSchema, error)
	GetPartitionInfo(ctx context.Context, db *DB, table TableIdentity) (*PartitionInfo, error)
	EstimateQueryCost(ctx context.Context, db *DB, query string) (int64, error)
}

// Opener constructs a Provider that is not backed by database/sql.
type Opener func(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (Provider, error)

var _ Provider = (*DB)(nil)

// DB holds the database connection pool and dialect handler.
type DB struct {
	Pool    *sql.DB
	Handler DialectHandler
	Config  config.DatabaseConfig
	Logger  *zap.Logger
}

var (
	dialectHandlers = make(map[string]DialectHandler)
	openers         = make(map[string]Opener)
	mu              sync.RWMutex
)

func RegisterDialectHandler(dialect string, handler DialectHandler) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := dialectHandlers[dialect]; exists {
		zap.L().Warn("dialect handler is being overwritten", zap.String("dialect", dialect))
	}
	dialectHandlers[dialect] = handler
}

func GetDialectHandler(dialect string) (DialectHandler, error) {
	mu.RLock()
	defer mu.RUnlock()
	handler, ok := dialectHandlers[dialect]
	if !ok {
		return nil, fmt.Errorf("unsupported database dialect: %s", dialect)
	}
	return handler, nil
}

// RegisterOpener registers a non database/sql provider for dialect.
func RegisterOpener(dialect string, opener Opener) {
	mu.Lock()
	defer mu.Unlock()
	openers[dialect] = opener
}

// Dialects lists every registered dialect name.
func Dialects() []string {
	mu.RLock()
	defer mu.RUnlock()
	var names []string
	for name := range dialectHandlers {
		names = append(names, name)
	}
	for name := range openers {
		names = append(names, name)
	}
	return names
}

// Open returns a Provider for cfg.Dialect.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (Provider, error) {
	mu.RLock()
	opener, ok := openers[cfg.Dialect]
	mu.RUnlock()
	if ok {
		return opener(ctx, cfg, logger)
	}
	return New(ctx, cfg, logger)
}

func New(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	handler, err := GetDialectHandler(cfg.Dialect)
	if err != nil {
		return nil, err
	}

	var pool *sql.DB
	if strings.HasPrefix(cfg.Dialect, "cloudsql") {
		pool, err = handler.CreateCloudSQLPool(cfg)
	} else {
		pool, err = handler.CreateStandardPool(cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool for dialect %s: %w", cfg.Dialect, err)
	}

	if err := pool.PingContext(ctx); err != nil {
		pool.Close()
		return nil, &apperrors.ConnectionError{
			Msg: fmt.Sprintf("failed to connect to database (ping failed) for dialect %s", cfg.Dialect),
			Err: err,
		}
	}

	return &DB{
		Pool:    pool,
		Handler: handler,
		Config:  cfg,
		Logger:  logger.Named("database").With(zap.String("dialect", cfg.Dialect)),
	}, nil
}

func (db *DB) Ping(ctx context.Context) error {
	if db.Pool == nil {
		return fmt.Errorf("database connection pool is not initialized")
	}
	return db.Pool.PingContext(ctx)
}

func (db *DB) Close() error {
	if db.Pool != nil {
		return db.Pool.Close()
	}
	return nil
}

func (db *DB) Dialect() Dialect {
	return db.Handler
}

func (db *DB) DescribeTable(ctx context.Context, table TableIdentity) (*TableSchema, error) {
	if db.Handler == nil {
		return nil, fmt.Errorf("dialect handler not initialized")
	}
	schema, err := db.Handler.DescribeTable(ctx, db, table)
	if err != nil {
		return nil, classifyError(err)
	}
	return schema, nil
}

func (db *DB) GetPartitionInfo(ctx context.Context, table TableIdentity) (*PartitionInfo, error) {
	if db.Handler == nil {
		return nil, fmt.Errorf("dialect handler not initialized")
	}
	info, err := db.Handler.GetPartitionInfo(ctx, db, table)
	if err != nil {
		return nil, classifyError(err)
	}
	return info, nil
}

func (db *DB) EstimateQueryCost(ctx context.Context, query string) (int64, error) {
	if db.Handler == nil {
		return 0, fmt.Errorf("dialect handler not initialized")
	}
	bytes, err := db.Handler.EstimateQueryCost(ctx, db, query)
	if err != nil {
		return 0, classifyError(err)
	}
	return bytes, nil
}

// ExecuteQuery runs query and materializes every row.
func (db *DB) ExecuteQuery(ctx context.Context, query string) ([]Row, error) {
	if db.Pool == nil {
		return nil, fmt.Errorf("database connection pool is not initialized")
	}
	db.logger().Debug("executing query", zap.String("sql", query))

	rows, err := db.Pool.QueryContext(ctx, query)
	if err != nil {
		return nil, classifyError(fmt.Errorf("error executing query: %w", err))
	}
	defer rows.Close()

	result, err := ScanRows(rows)
	if err != nil {
		return nil, classifyError(err)
	}
	return result, nil
}

func (db *DB) logger() *zap.Logger {
	if db.Logger == nil {
		return zap.NewNop()
	}
	return db.Logger
}

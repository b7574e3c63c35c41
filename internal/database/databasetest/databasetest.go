// Package databasetest provides an in-memory database.Provider that records
// every query it receives.
package databasetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/apperrors"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/database"
)

// Dialect renders simple, predictable SQL.
type Dialect struct {
	Native bool
}

func (d Dialect) Name() string                       { return "fake" }
func (d Dialect) QuoteIdentifier(name string) string { return `"` + name + `"` }
func (d Dialect) QualifiedTable(t database.TableIdentity) string {
	return t.String()
}
func (d Dialect) SupportsNativeSampling() bool { return d.Native }
func (d Dialect) NativeSampleQuery(t database.TableIdentity, percent float64, limit int) string {
	return fmt.Sprintf("SELECT * FROM %s TABLESAMPLE SYSTEM (%s PERCENT) LIMIT %d", d.QualifiedTable(t), database.FormatPercent(percent), limit)
}
func (d Dialect) LimitQuery(t database.TableIdentity, limit int) string {
	return fmt.Sprintf("SELECT * FROM %s LIMIT %d", d.QualifiedTable(t), limit)
}
func (d Dialect) PartitionQuery(t database.TableIdentity, info *database.PartitionInfo, p database.Partition, limit int) (string, error) {
	return fmt.Sprintf("SELECT * FROM %s WHERE _partition = '%s' LIMIT %d", d.QualifiedTable(t), p.ID, limit), nil
}

// Provider is a configurable fake. Zero-valued hooks return empty results.
type Provider struct {
	Schema      *database.TableSchema
	Partitions  *database.PartitionInfo
	DescribeErr error
	SQLDialect  database.Dialect

	// Rows answers ExecuteQuery.
	Rows func(query string) ([]database.Row, error)
	// Estimate answers EstimateQueryCost.
	Estimate func(query string) (int64, error)

	mu        sync.Mutex
	executed  []string
	estimated []string
	describes int
}

var _ database.Provider = (*Provider)(nil)

func (p *Provider) DescribeTable(ctx context.Context, t database.TableIdentity) (*database.TableSchema, error) {
	p.mu.Lock()
	p.describes++
	p.mu.Unlock()
	if p.DescribeErr != nil {
		return nil, p.DescribeErr
	}
	if p.Schema == nil {
		return nil, &apperrors.SchemaNotFoundError{Table: t.String()}
	}
	return p.Schema, nil
}

func (p *Provider) GetPartitionInfo(ctx context.Context, t database.TableIdentity) (*database.PartitionInfo, error) {
	if p.Partitions == nil {
		return database.Unpartitioned(), nil
	}
	return p.Partitions, nil
}

func (p *Provider) ExecuteQuery(ctx context.Context, query string) ([]database.Row, error) {
	p.mu.Lock()
	p.executed = append(p.executed, query)
	p.mu.Unlock()
	if p.Rows == nil {
		return nil, nil
	}
	return p.Rows(query)
}

func (p *Provider) EstimateQueryCost(ctx context.Context, query string) (int64, error) {
	p.mu.Lock()
	p.estimated = append(p.estimated, query)
	p.mu.Unlock()
	if p.Estimate == nil {
		return 0, nil
	}
	return p.Estimate(query)
}

func (p *Provider) Dialect() database.Dialect {
	if p.SQLDialect == nil {
		return Dialect{}
	}
	return p.SQLDialect
}

func (p *Provider) Close() error { return nil }

// Executed returns the real (non-estimate) queries issued so far.
func (p *Provider) Executed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.executed...)
}

// Estimated returns the dry-run queries issued so far.
func (p *Provider) Estimated() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.estimated...)
}

// Describes counts DescribeTable calls.
func (p *Provider) Describes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.describes
}

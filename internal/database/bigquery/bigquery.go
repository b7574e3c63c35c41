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

// Package bigquery provides a warehouse Provider backed by the BigQuery API.
// TableIdentity maps Database to the project, Schema to the dataset.
package bigquery

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/bigquery"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/apperrors"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/config"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/database"
)

// Special partitions that hold NULL or not-yet-partitioned rows.
const (
	nullPartition          = "__NULL__"
	unpartitionedPartition = "__UNPARTITIONED__"
)

type Provider struct {
	client  *bigquery.Client
	project string
	dialect Dialect
	logger  *zap.Logger
}

var _ database.Provider = (*Provider)(nil)

// Open creates a BigQuery client for cfg.ProjectID.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (database.Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("bigquery requires database.project_id")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := bigquery.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, &apperrors.ConnectionError{Msg: "failed to create bigquery client", Err: err}
	}
	if cfg.Location != "" {
		client.Location = cfg.Location
	}
	return &Provider{
		client:  client,
		project: cfg.ProjectID,
		dialect: Dialect{DefaultProject: cfg.ProjectID},
		logger:  logger.Named("bigquery"),
	}, nil
}

func (p *Provider) projectOf(t database.TableIdentity) string {
	if t.Database != "" {
		return t.Database
	}
	return p.project
}

func (p *Provider) metadata(ctx context.Context, t database.TableIdentity) (*bigquery.TableMetadata, error) {
	md, err := p.client.DatasetInProject(p.projectOf(t), t.Schema).Table(t.Table).Metadata(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, &apperrors.SchemaNotFoundError{Table: t.String(), Err: err}
		}
		return nil, classifyError(fmt.Errorf("failed to read table metadata for %s: %w", t, err))
	}
	return md, nil
}

func (p *Provider) DescribeTable(ctx context.Context, t database.TableIdentity) (*database.TableSchema, error) {
	md, err := p.metadata(ctx, t)
	if err != nil {
		return nil, err
	}
	return schemaFromMetadata(t, md), nil
}

func (p *Provider) GetPartitionInfo(ctx context.Context, t database.TableIdentity) (*database.PartitionInfo, error) {
	md, err := p.metadata(ctx, t)
	if err != nil {
		return nil, err
	}
	info := partitionInfoFromMetadata(md)
	if !info.IsPartitioned {
		return info, nil
	}

	sql := fmt.Sprintf("SELECT partition_id, total_rows, total_logical_bytes FROM %s WHERE table_name = @table ORDER BY partition_id DESC",
		quoteIdentifier(fmt.Sprintf("%s.%s.INFORMATION_SCHEMA.PARTITIONS", p.projectOf(t), t.Schema)))
	q := p.client.Query(sql)
	q.Parameters = []bigquery.QueryParameter{{Name: "table", Value: t.Table}}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, classifyError(fmt.Errorf("failed to list partitions of %s: %w", t, err))
	}
	for {
		var row partitionRow
		err := it.Next(&row)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, classifyError(fmt.Errorf("error iterating partition rows: %w", err))
		}
		if row.PartitionID == nullPartition || row.PartitionID == unpartitionedPartition {
			continue
		}
		info.AvailablePartitions = append(info.AvailablePartitions, database.Partition{
			ID:           row.PartitionID,
			RowCount:     row.TotalRows.Int64,
			LogicalBytes: row.TotalLogicalBytes.Int64,
		})
	}
	p.logger.Debug("listed partitions", zap.String("table", t.String()), zap.Int("partitions", len(info.AvailablePartitions)))
	return info, nil
}

type partitionRow struct {
	PartitionID       string             `bigquery:"partition_id"`
	TotalRows         bigquery.NullInt64 `bigquery:"total_rows"`
	TotalLogicalBytes bigquery.NullInt64 `bigquery:"total_logical_bytes"`
}

// EstimateQueryCost performs a dry run and returns the bytes BigQuery would bill.
func (p *Provider) EstimateQueryCost(ctx context.Context, sql string) (int64, error) {
	q := p.client.Query(sql)
	q.DryRun = true
	job, err := q.Run(ctx)
	if err != nil {
		return 0, classifyError(fmt.Errorf("dry run failed: %w", err))
	}
	status := job.LastStatus()
	if status == nil || status.Statistics == nil {
		return 0, fmt.Errorf("dry run returned no statistics")
	}
	if err := status.Err(); err != nil {
		return 0, fmt.Errorf("dry run failed: %w", err)
	}
	return status.Statistics.TotalBytesProcessed, nil
}

func (p *Provider) ExecuteQuery(ctx context.Context, sql string) ([]database.Row, error) {
	p.logger.Debug("executing query", zap.String("sql", sql))
	it, err := p.client.Query(sql).Read(ctx)
	if err != nil {
		return nil, classifyError(fmt.Errorf("error executing query: %w", err))
	}
	var rows []database.Row
	for {
		var values map[string]bigquery.Value
		err := it.Next(&values)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, classifyError(fmt.Errorf("error iterating result rows: %w", err))
		}
		row := make(database.Row, len(values))
		for k, v := range values {
			row[k] = database.NormalizeValue(v)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (p *Provider) Dialect() database.Dialect {
	return p.dialect
}

func (p *Provider) Close() error {
	return p.client.Close()
}

func schemaFromMetadata(t database.TableIdentity, md *bigquery.TableMetadata) *database.TableSchema {
	schema := &database.TableSchema{Table: t, RowEstimate: int64(md.NumRows)}
	for i, f := range md.Schema {
		dataType := string(f.Type)
		if f.Repeated {
			dataType = "ARRAY<" + dataType + ">"
		}
		schema.Columns = append(schema.Columns, database.Column{
			Name:     f.Name,
			DataType: dataType,
			Nullable: !f.Required && !f.Repeated,
			Ordinal:  i + 1,
		})
	}
	if tc := md.TableConstraints; tc != nil {
		if tc.PrimaryKey != nil {
			for _, col := range tc.PrimaryKey.Columns {
				schema.AddConstraintColumn("primary_key", database.ConstraintPrimaryKey, col, "", "")
			}
		}
		for _, fk := range tc.ForeignKeys {
			refTable := ""
			if fk.ReferencedTable != nil {
				refTable = fk.ReferencedTable.TableID
			}
			for _, ref := range fk.ColumnReferences {
				schema.AddConstraintColumn(fk.Name, database.ConstraintForeignKey, ref.ReferencingColumn, refTable, ref.ReferencedColumn)
			}
		}
		schema.MarkPrimaryKeys()
	}
	return schema
}

func partitionInfoFromMetadata(md *bigquery.TableMetadata) *database.PartitionInfo {
	info := database.Unpartitioned()
	if md.Clustering != nil {
		info.ClusteringFields = append([]string(nil), md.Clustering.Fields...)
	}
	switch {
	case md.TimePartitioning != nil:
		info.IsPartitioned = true
		info.Type = timePartitionType(md.TimePartitioning.Type)
		info.Column = md.TimePartitioning.Field
		if info.Column != "" {
			info.ColumnType = fieldType(md.Schema, info.Column)
		}
	case md.RangePartitioning != nil:
		info.IsPartitioned = true
		info.Type = database.PartitionInteger
		info.Column = md.RangePartitioning.Field
		info.ColumnType = string(bigquery.IntegerFieldType)
		if md.RangePartitioning.Range != nil {
			info.IntegerInterval = md.RangePartitioning.Range.Interval
		}
	}
	return info
}

func timePartitionType(t bigquery.TimePartitioningType) database.PartitionType {
	switch t {
	case bigquery.HourPartitioningType:
		return database.PartitionHour
	case bigquery.MonthPartitioningType:
		return database.PartitionMonth
	case bigquery.YearPartitioningType:
		return database.PartitionYear
	}
	return database.PartitionDay
}

func fieldType(schema bigquery.Schema, name string) string {
	for _, f := range schema {
		if f.Name == name {
			return string(f.Type)
		}
	}
	return ""
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == 404
}

// classifyError treats transport failures and 5xx responses as transient.
func classifyError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code >= 500 {
		return &apperrors.ConnectionError{Msg: "bigquery unavailable", Err: err}
	}
	if database.IsConnectionFailure(err) {
		return &apperrors.ConnectionError{Msg: "bigquery unreachable", Err: err}
	}
	return err
}

func init() {
	database.RegisterOpener("bigquery", Open)
}

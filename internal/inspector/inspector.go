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

// Package inspector reads a table's columns, constraints and partitioning.
// Failures are returned as-is; reconnecting is the provider's concern.
package inspector

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/apperrors"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/database"
)

// Inspection is the schema and partition layout of one table.
type Inspection struct {
	Table      database.TableIdentity  `json:"table" yaml:"table"`
	Schema     *database.TableSchema   `json:"schema" yaml:"schema"`
	Partitions *database.PartitionInfo `json:"partition_info" yaml:"partition_info"`
}

type Inspector struct {
	provider database.Provider
	logger   *zap.Logger
}

func New(provider database.Provider, logger *zap.Logger) *Inspector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inspector{provider: provider, logger: logger.Named("inspector")}
}

func (i *Inspector) Inspect(ctx context.Context, table database.TableIdentity) (*Inspection, error) {
	if table.Table == "" {
		return nil, &apperrors.ConfigValidationError{Field: "table", Msg: "must not be empty"}
	}
	start := time.Now()

	schema, err := i.provider.DescribeTable(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", table, err)
	}

	partitions, err := i.provider.GetPartitionInfo(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("partition info for %s: %w", table, err)
	}
	if partitions == nil {
		partitions = database.Unpartitioned()
	}

	i.logger.Info("inspected table",
		zap.String("table", table.String()),
		zap.Int("columns", len(schema.Columns)),
		zap.Bool("partitioned", partitions.IsPartitioned),
		zap.Int("partitions", len(partitions.AvailablePartitions)),
		zap.Duration("elapsed", time.Since(start)))

	return &Inspection{Table: table, Schema: schema, Partitions: partitions}, nil
}

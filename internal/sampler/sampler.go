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

// Package sampler acquires representative rows while bounding scan cost.
//
// Every plan is dry-run before any row is read. Partitioned tables are only
// ever read through partition-scoped queries, and no plan paginates with
// OFFSET.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/apperrors"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/config"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/database"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/metrics"
)

const bytesPerTiB = float64(1 << 40)

// Strategy names the way a plan reads the table.
type Strategy string

const (
	StrategyPartition Strategy = "partition"
	StrategyNative    Strategy = "native"
	StrategyLimit     Strategy = "limit"
)

// Request is the caller-supplied sampling configuration.
type Request struct {
	SampleSize       int     `json:"sample_size"`
	NumSamples       int     `json:"num_samples"`
	MaxPartitions    int     `json:"max_partitions"`
	CostCeilingBytes int64   `json:"cost_ceiling_bytes"`
	WarningRatio     float64 `json:"warning_ratio"`
}

// RequestFromConfig builds a Request from configured defaults.
func RequestFromConfig(cfg config.SamplingConfig) Request {
	return Request{
		SampleSize:       cfg.SampleSize,
		NumSamples:       cfg.NumSamples,
		MaxPartitions:    cfg.MaxPartitions,
		CostCeilingBytes: cfg.CostCeilingBytes,
		WarningRatio:     cfg.WarningRatio,
	}
}

// Validate rejects out-of-range values before any backend call.
func (r Request) Validate() error {
	switch {
	case r.SampleSize <= 0:
		return &apperrors.ConfigValidationError{Field: "sample_size", Msg: "must be greater than 0"}
	case r.NumSamples <= 0:
		return &apperrors.ConfigValidationError{Field: "num_samples", Msg: "must be greater than 0"}
	case r.MaxPartitions <= 0:
		return &apperrors.ConfigValidationError{Field: "max_partitions", Msg: "must be greater than 0"}
	case r.CostCeilingBytes <= 0:
		return &apperrors.ConfigValidationError{Field: "cost_ceiling_bytes", Msg: "must be greater than 0"}
	case r.WarningRatio <= 0 || r.WarningRatio > 1:
		return &apperrors.ConfigValidationError{Field: "warning_ratio", Msg: "must be in (0, 1]"}
	}
	return nil
}

// Result is a materialized sample. Draws may overlap.
type Result struct {
	Rows           []database.Row   `json:"-"`
	Draws          [][]database.Row `json:"-"`
	Strategy       Strategy         `json:"strategy"`
	BytesProcessed int64            `json:"bytes_processed"`
	PartitionsUsed []string         `json:"partitions_used,omitempty"`
	EstimatedCost  float64          `json:"estimated_cost"`
	Warning        bool             `json:"warning"`
	Queries        []string         `json:"queries"`
}

type Options struct {
	EstimateTimeout time.Duration
	QueryTimeout    time.Duration
	Retry           RetryOptions
	PricePerTiB     float64
	Metrics         *metrics.Metrics
}

// OptionsFromConfig maps sampling configuration onto Options.
func OptionsFromConfig(cfg config.SamplingConfig) Options {
	retry := DefaultRetryOptions
	if cfg.RetryBackoff > 0 {
		retry.InitialBackoff = cfg.RetryBackoff
	}
	return Options{
		EstimateTimeout: cfg.EstimateTimeout,
		QueryTimeout:    cfg.QueryTimeout,
		Retry:           retry,
		PricePerTiB:     cfg.PricePerTiB,
	}
}

type Sampler struct {
	provider database.Provider
	opts     Options
	logger   *zap.Logger
}

func New(provider database.Provider, opts Options, logger *zap.Logger) *Sampler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryOptions
	}
	return &Sampler{provider: provider, opts: opts, logger: logger.Named("sampler")}
}

// plan is the set of queries executed once per draw.
type plan struct {
	strategy   Strategy
	queries    []string
	partitions []string
	selected   []database.Partition
}

// Sample draws req.NumSamples samples of up to req.SampleSize rows each.
// rowEstimate is the table's row statistic, 0 when unknown.
func (s *Sampler) Sample(ctx context.Context, table database.TableIdentity, info *database.PartitionInfo, rowEstimate int64, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	logger := s.logger.With(zap.String("table", table.String()))

	p, err := s.buildPlan(table, info, rowEstimate, req)
	if err != nil {
		var costErr *apperrors.CostLimitExceededError
		if errors.As(err, &costErr) {
			costErr.EstimatedCost = s.cost(costErr.EstimatedBytes)
			s.opts.Metrics.CostRejected()
			logger.Warn("a single partition exceeds the cost ceiling", zap.Int64("bytes", costErr.EstimatedBytes))
		}
		return nil, err
	}
	result := &Result{Strategy: p.strategy, PartitionsUsed: p.partitions, Queries: p.queries}
	if len(p.queries) == 0 {
		logger.Info("no non-empty partitions, nothing to sample")
		return result, nil
	}

	perQuery, err := s.estimate(ctx, p.queries)
	if err != nil {
		return nil, err
	}
	if p.strategy == StrategyPartition {
		// Logical bytes are only a proxy; narrow again on the dry-run numbers.
		if n := fittingPrefix(perQuery, req.NumSamples, req.CostCeilingBytes); n > 0 && n < len(perQuery) {
			logger.Info("narrowing partitions to fit dry-run estimate",
				zap.Int("from", len(perQuery)), zap.Int("to", n))
			p, err = s.partitionPlan(table, info, p.selected[:n], req)
			if err != nil {
				return nil, err
			}
			if perQuery, err = s.estimate(ctx, p.queries); err != nil {
				return nil, err
			}
		}
	}
	var total int64
	for _, b := range perQuery {
		total += b
	}
	total *= int64(req.NumSamples)
	result.PartitionsUsed, result.Queries = p.partitions, p.queries
	s.opts.Metrics.SampleEstimated(total)

	result.BytesProcessed = total
	result.EstimatedCost = s.cost(total)
	if total > req.CostCeilingBytes {
		s.opts.Metrics.CostRejected()
		logger.Warn("sample plan exceeds cost ceiling",
			zap.String("estimated", humanize.IBytes(uint64(total))),
			zap.String("ceiling", humanize.IBytes(uint64(req.CostCeilingBytes))))
		return nil, &apperrors.CostLimitExceededError{
			EstimatedBytes: total,
			CeilingBytes:   req.CostCeilingBytes,
			EstimatedCost:  result.EstimatedCost,
		}
	}
	if float64(total) > float64(req.CostCeilingBytes)*req.WarningRatio {
		result.Warning = true
		logger.Warn("sample plan above warning threshold",
			zap.Int64("bytes", total), zap.Float64("warning_ratio", req.WarningRatio))
	}

	for draw := 0; draw < req.NumSamples; draw++ {
		var rows []database.Row
		for _, q := range p.queries {
			got, err := withRetry(ctx, s.opts.Retry, logger, func(ctx context.Context) ([]database.Row, error) {
				qctx, cancel := withOptionalTimeout(ctx, s.opts.QueryTimeout)
				defer cancel()
				return s.provider.ExecuteQuery(qctx, q)
			})
			if err != nil {
				return nil, fmt.Errorf("sample query failed: %w", err)
			}
			rows = append(rows, got...)
		}
		if len(rows) > req.SampleSize {
			rows = rows[:req.SampleSize]
		}
		result.Draws = append(result.Draws, rows)
		result.Rows = append(result.Rows, rows...)
	}

	logger.Info("sampled table",
		zap.String("strategy", string(p.strategy)),
		zap.Int("rows", len(result.Rows)),
		zap.Int64("bytes", total),
		zap.Strings("partitions", p.partitions),
		zap.Bool("warning", result.Warning))
	return result, nil
}

func (s *Sampler) buildPlan(table database.TableIdentity, info *database.PartitionInfo, rowEstimate int64, req Request) (*plan, error) {
	dialect := s.provider.Dialect()

	if info != nil && info.IsPartitioned {
		selected, err := SelectPartitions(info.AvailablePartitions, req.MaxPartitions, req.NumSamples, req.CostCeilingBytes)
		if err != nil {
			return nil, err
		}
		return s.partitionPlan(table, info, selected, req)
	}

	if dialect.SupportsNativeSampling() && rowEstimate > 0 {
		percent := math.Min(100, 2*float64(req.SampleSize)/float64(rowEstimate)*100)
		return &plan{
			strategy: StrategyNative,
			queries:  []string{dialect.NativeSampleQuery(table, percent, req.SampleSize)},
		}, nil
	}
	return &plan{
		strategy: StrategyLimit,
		queries:  []string{dialect.LimitQuery(table, req.SampleSize)},
	}, nil
}

// estimate dry-runs every query, each under its own timeout.
func (s *Sampler) partitionPlan(table database.TableIdentity, info *database.PartitionInfo, selected []database.Partition, req Request) (*plan, error) {
	p := &plan{strategy: StrategyPartition, selected: selected}
	if len(selected) == 0 {
		return p, nil
	}
	perPartition := int(math.Ceil(float64(req.SampleSize) / float64(len(selected))))
	for _, part := range selected {
		q, err := s.provider.Dialect().PartitionQuery(table, info, part, perPartition)
		if err != nil {
			return nil, fmt.Errorf("failed to scope query to partition %s: %w", part.ID, err)
		}
		p.queries = append(p.queries, q)
		p.partitions = append(p.partitions, part.ID)
	}
	return p, nil
}

// estimate dry-runs every query and returns the bytes each would process.
func (s *Sampler) estimate(ctx context.Context, queries []string) ([]int64, error) {
	perQuery := make([]int64, 0, len(queries))
	for _, q := range queries {
		ectx, cancel := withOptionalTimeout(ctx, s.opts.EstimateTimeout)
		bytes, err := s.provider.EstimateQueryCost(ectx, q)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("cost estimate failed: %w", err)
		}
		perQuery = append(perQuery, bytes)
	}
	return perQuery, nil
}

func (s *Sampler) cost(bytes int64) float64 {
	return float64(bytes) / bytesPerTiB * s.opts.PricePerTiB
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

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

// Package enricher assembles a table's MetadataDocument: it inspects the
// schema, samples rows, classifies categorical values and runs every enabled
// section generator.
package enricher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/apperrors"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/classifier"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/database"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/inspector"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/llm"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/metrics"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/sampler"
)

type SchemaInspector interface {
	Inspect(ctx context.Context, table database.TableIdentity) (*inspector.Inspection, error)
}

type RowSampler interface {
	Sample(ctx context.Context, table database.TableIdentity, info *database.PartitionInfo, rowEstimate int64, req sampler.Request) (*sampler.Result, error)
}

// Persister receives every merged document and returns its storage key.
type Persister interface {
	Save(ctx context.Context, doc *MetadataDocument) (string, error)
}

type Config struct {
	// WarningRatio is the fraction of the cost ceiling above which a sample
	// is flagged.
	WarningRatio float64
	// MaxConcurrent bounds concurrent section calls within one run.
	MaxConcurrent int
	Metrics       *metrics.Metrics
	// Persister is optional. A failed save fails the run.
	Persister Persister
	Now       func() time.Time
}

// RunHooks lets a caller observe and stop a run. Closing Stop prevents new
// sections from starting; sections already running finish first.
type RunHooks struct {
	OnProgress func(done, total int)
	Stop       <-chan struct{}
}

// Service is the metadata orchestrator. A single Service handles concurrent
// runs; all per-run state lives on the stack of Generate.
type Service struct {
	inspector  SchemaInspector
	sampler    RowSampler
	classifier *classifier.Classifier
	models     llm.Resolver
	pool       *llm.WorkerPool
	cfg        Config
	logger     *zap.Logger
}

func NewService(insp SchemaInspector, smp RowSampler, cls *classifier.Classifier, models llm.Resolver, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cls == nil {
		cls = &classifier.Classifier{MinLength: classifier.DefaultMinLength, MaxUniqueValues: classifier.DefaultMaxUniqueValues}
	}
	if cfg.WarningRatio <= 0 {
		cfg.WarningRatio = 0.1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		inspector:  insp,
		sampler:    smp,
		classifier: cls,
		models:     models,
		pool:       llm.NewWorkerPool(cfg.MaxConcurrent, logger),
		cfg:        cfg,
		logger:     logger.Named("enricher"),
	}
}

// Validate rejects a request before any backend call is made.
func (s *Service) Validate(table database.TableIdentity, gc GenerationConfig) error {
	if table.Table == "" {
		return &apperrors.ConfigValidationError{Field: "table", Msg: "must not be empty"}
	}
	if err := gc.validate(s.cfg.WarningRatio); err != nil {
		return err
	}
	if checker, ok := s.models.(llm.ModelChecker); ok {
		if err := checker.CheckModel(gc.Model); err != nil {
			return err
		}
		for _, m := range gc.SectionModels {
			if err := checker.CheckModel(m); err != nil {
				return &apperrors.ConfigValidationError{Field: "section_models", Msg: err.Error()}
			}
		}
	}
	return nil
}

// GenerateNow runs a generation synchronously.
func (s *Service) GenerateNow(ctx context.Context, table database.TableIdentity, gc GenerationConfig) (*MetadataDocument, error) {
	return s.Generate(ctx, table, gc, RunHooks{})
}

// Generate runs inspect, sample, classify, the sections and merge, in that order.
func (s *Service) Generate(ctx context.Context, table database.TableIdentity, gc GenerationConfig, hooks RunHooks) (*MetadataDocument, error) {
	if err := s.Validate(table, gc); err != nil {
		return nil, err
	}
	start := time.Now()
	logger := s.logger.With(zap.String("table", table.String()))
	logger.Info("starting metadata generation", zap.Any("sections", gc.EnabledSections()))

	insp, err := s.inspector.Inspect(ctx, table)
	if err != nil {
		logger.Error("schema inspection failed", zap.Error(err))
		return nil, fmt.Errorf("inspect schema: %w", err)
	}
	if stopRequested(hooks.Stop) {
		return nil, apperrors.ErrCancelled
	}

	sample, err := s.sampler.Sample(ctx, table, insp.Partitions, insp.Schema.RowEstimate, gc.SampleRequest(s.cfg.WarningRatio))
	if err != nil {
		logger.Error("sampling failed", zap.Error(err))
		return nil, fmt.Errorf("sample data: %w", err)
	}
	if sample.Warning {
		logger.Warn("sample cost is above the warning threshold",
			zap.Int64("bytes", sample.BytesProcessed), zap.Float64("estimated_cost", sample.EstimatedCost))
	}
	if stopRequested(hooks.Stop) {
		return nil, apperrors.ErrCancelled
	}

	profiles := filterProfiles(BuildProfiles(insp.Schema, sample.Rows), gc.Columns)
	in := &SectionInput{
		Table:      table,
		Schema:     insp.Schema,
		Profiles:   profiles,
		Partitions: insp.Partitions,
		Sample:     sample,
		Config:     gc,
	}
	if gc.CategoricalDefinitions {
		in.Candidates = s.classifier.ClassifyColumns(columnValues(profiles))
		logger.Debug("classified values", zap.Int("columns_with_candidates", len(in.Candidates)))
	}

	sections := gc.EnabledSections()
	total := len(sections)
	progress := func(done int) {
		if hooks.OnProgress != nil {
			hooks.OnProgress(done, total)
		}
	}
	progress(0)

	doc := &MetadataDocument{
		Table:         table,
		PartitionInfo: insp.Partitions,
		Sections:      make(map[Section]any),
		Sample:        summarize(sample),
	}

	defs, model, err := s.runSection(ctx, sectionSpecs[SectionColumnDefinitions], in, gc)
	if err != nil {
		logger.Error("mandatory section failed", zap.String("section", string(SectionColumnDefinitions)), zap.Error(err))
		return nil, fmt.Errorf("generate %s: %w", SectionColumnDefinitions, err)
	}
	doc.Model = model
	doc.Sections[SectionColumnDefinitions] = defs
	in.Definitions, _ = defs.(*ColumnDefinitions)
	progress(1)

	items := make([]llm.WorkItem[any], 0, total-1)
	for _, sec := range sections[1:] {
		spec := sectionSpecs[sec]
		items = append(items, llm.WorkItem[any]{
			ID: string(sec),
			Execute: func(ctx context.Context) (any, error) {
				payload, _, err := s.runSection(ctx, spec, in, gc)
				return payload, err
			},
		})
	}
	results := llm.Process(ctx, s.pool, items, hooks.Stop, func(done, _ int) { progress(done + 1) })

	cancelled := false
	for _, r := range results {
		sec := Section(r.ID)
		switch {
		case errors.Is(r.Err, apperrors.ErrCancelled):
			cancelled = true
		case r.Err != nil:
			if doc.SectionErrors == nil {
				doc.SectionErrors = make(map[Section]string)
			}
			doc.SectionErrors[sec] = r.Err.Error()
			logger.Warn("section failed", zap.String("section", r.ID), zap.Error(r.Err))
		default:
			doc.Sections[sec] = r.Result
		}
	}
	if cancelled || stopRequested(hooks.Stop) {
		logger.Info("generation cancelled")
		return nil, apperrors.ErrCancelled
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("generate sections: %w", err)
	}

	for sec := range doc.Sections {
		doc.SectionsIncluded = append(doc.SectionsIncluded, sec)
	}
	sortSections(doc.SectionsIncluded)
	doc.GeneratedAt = s.cfg.Now().UTC()

	if s.cfg.Persister != nil {
		key, err := s.cfg.Persister.Save(ctx, doc)
		if err != nil {
			logger.Error("persisting document failed", zap.Error(err))
			return nil, fmt.Errorf("persist document: %w", err)
		}
		logger.Info("document persisted", zap.String("key", key))
	}

	logger.Info("metadata generation completed",
		zap.Any("sections_included", doc.SectionsIncluded),
		zap.Int("section_errors", len(doc.SectionErrors)),
		zap.Duration("elapsed", time.Since(start)))
	return doc, nil
}

// runSection resolves the section's client when it needs one and runs it.
// It returns the payload and the model used.
func (s *Service) runSection(ctx context.Context, spec sectionSpec, in *SectionInput, gc GenerationConfig) (any, string, error) {
	var (
		client llm.Client
		model  string
	)
	if spec.usesLLM {
		c, err := s.models.ForModel(ctx, gc.ModelFor(spec.name))
		if err != nil {
			s.cfg.Metrics.SectionDone(string(spec.name), "failed")
			return nil, "", fmt.Errorf("resolve model: %w", err)
		}
		client, model = c, c.Model()
	}

	start := time.Now()
	payload, err := spec.generate(ctx, in, client)
	if err != nil {
		s.cfg.Metrics.SectionDone(string(spec.name), "failed")
		return nil, model, err
	}
	s.cfg.Metrics.SectionDone(string(spec.name), "ok")
	s.logger.Debug("section generated",
		zap.String("table", in.Table.String()),
		zap.String("section", string(spec.name)),
		zap.Duration("elapsed", time.Since(start)))
	return payload, model, nil
}

func stopRequested(stop <-chan struct{}) bool {
	if stop == nil {
		return false
	}
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

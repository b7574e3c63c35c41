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

package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/classifier"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/config"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/database"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/enricher"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/inspector"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/llm"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/metrics"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/sampler"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/storage"
)

// pipeline is every long-lived component a generation needs.
type pipeline struct {
	provider database.Provider
	models   *llm.Factory
	store    *storage.BlobStore
	service  *enricher.Service
	metrics  *metrics.Metrics
	registry *prometheus.Registry
}

func setupDatabase(ctx context.Context, c *config.Config) (database.Provider, error) {
	if err := validateDialect(c.Database.Dialect); err != nil {
		return nil, err
	}
	db, err := database.Open(ctx, c.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", zap.String("dialect", c.Database.Dialect), zap.Error(err))
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func setupPipeline(ctx context.Context, c *config.Config) (*pipeline, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	p := &pipeline{metrics: m, registry: reg}
	provider, err := setupDatabase(ctx, c)
	if err != nil {
		return nil, err
	}
	p.provider = provider

	p.models = llm.NewFactory(llm.ConfigFromSettings(c.LLM), m, logger)
	// Building the default client surfaces a missing key or unknown
	// provider before any table is touched.
	if _, err := p.models.ForModel(ctx, ""); err != nil {
		p.Close()
		return nil, err
	}

	var persister enricher.Persister
	if c.Storage.URL != "" {
		store, err := storage.Open(ctx, c.Storage, logger)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.store = store
		persister = store
	}

	smpOpts := sampler.OptionsFromConfig(c.Sampling)
	smpOpts.Metrics = m
	p.service = enricher.NewService(
		inspector.New(provider, logger),
		sampler.New(provider, smpOpts, logger),
		classifier.New(c.Classifier),
		p.models,
		enricher.Config{
			WarningRatio:  c.Sampling.WarningRatio,
			MaxConcurrent: c.LLM.MaxConcurrent,
			Metrics:       m,
			Persister:     persister,
		},
		logger,
	)
	return p, nil
}

// generationDefaults returns the sampling values every request starts from.
func generationDefaults(c *config.Config) sampler.Request {
	return sampler.RequestFromConfig(c.Sampling)
}

func (p *pipeline) Close() error {
	var errs []error
	if p.models != nil {
		errs = append(errs, p.models.Close())
	}
	if p.store != nil {
		errs = append(errs, p.store.Close())
	}
	if p.provider != nil {
		errs = append(errs, p.provider.Close())
	}
	return errors.Join(errs...)
}

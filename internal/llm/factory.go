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

package llm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/apperrors"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/metrics"
)

// maxCachedClients bounds the cache when no allow-list is configured.
const maxCachedClients = 16

// Resolver hands out a client for a model name; "" selects the default model.
type Resolver interface {
	ForModel(ctx context.Context, model string) (Client, error)
}

// ModelChecker is implemented by resolvers that restrict model names. Callers
// use it to reject a request before any work starts.
type ModelChecker interface {
	CheckModel(model string) error
}

// Factory creates one client per model on first use and caches it.
type Factory struct {
	base    Config
	metrics *metrics.Metrics
	logger  *zap.Logger
	build   func(ctx context.Context, cfg Config, m *metrics.Metrics, logger *zap.Logger) (Client, error)

	mu      sync.Mutex
	clients map[string]Client
}

func NewFactory(base Config, m *metrics.Metrics, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{
		base:    base,
		metrics: m,
		logger:  logger.Named("llm-factory"),
		build:   NewClient,
		clients: make(map[string]Client),
	}
}

// CheckModel rejects model names outside the configured allow-list.
func (f *Factory) CheckModel(model string) error {
	if model == "" || model == f.base.Model || len(f.base.AllowedModels) == 0 {
		return nil
	}
	if !slices.Contains(f.base.AllowedModels, model) {
		return &apperrors.ConfigValidationError{Field: "model", Msg: fmt.Sprintf("model %q is not allowed", model)}
	}
	return nil
}

func (f *Factory) ForModel(ctx context.Context, model string) (Client, error) {
	if model == "" {
		model = f.base.Model
	}
	if err := f.CheckModel(model); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[model]; ok {
		return c, nil
	}
	if len(f.base.AllowedModels) == 0 && len(f.clients) >= maxCachedClients {
		return nil, &apperrors.ConfigValidationError{
			Field: "model",
			Msg:   fmt.Sprintf("too many distinct models in use (limit %d); configure llm.allowed_models", maxCachedClients),
		}
	}

	cfg := f.base
	cfg.Model = model
	c, err := f.build(ctx, cfg, f.metrics, f.logger)
	if err != nil {
		return nil, err
	}
	f.clients[model] = c
	f.logger.Info("created client", zap.String("provider", cfg.Provider), zap.String("model", model))
	return c, nil
}

// Close closes every cached client.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var errs []error
	for model, c := range f.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(f.clients, model)
	}
	return errors.Join(errs...)
}

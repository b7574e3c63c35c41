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

// Package api exposes the job manager over HTTP.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/sampler"
)

// Dependencies holds everything the router needs. Generator, Documents and
// Metrics are optional.
type Dependencies struct {
	Jobs      JobService
	Generator Generator
	Documents DocumentReader
	// Defaults seeds the sampling fields of every request.
	Defaults sampler.Request
	Metrics  http.Handler
	Logger   *zap.Logger
}

// NewRouter builds the chi router with its middleware stack and routes.
func NewRouter(deps Dependencies) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")
	h := &handlers{
		jobs:     deps.Jobs,
		gen:      deps.Generator,
		docs:     deps.Documents,
		defaults: deps.Defaults,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(requestLogger(logger))
	r.Use(recovery(logger))

	r.Get("/healthz", healthz)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/generate", h.generate)
		r.Get("/tables/{database}/{schema}/{table}/latest", h.latestDocument)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", h.submitJob)
			r.Get("/", h.listJobs)
			r.Get("/{jobID}", h.getJob)
			r.Get("/{jobID}/document", h.jobDocument)
			r.Delete("/{jobID}", h.cancelJob)
		})
	})
	return r
}

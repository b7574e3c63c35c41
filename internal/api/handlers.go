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

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/apperrors"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/database"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/enricher"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/jobs"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/sampler"
)

const maxBodyBytes = 1 << 20

// JobService is the part of *jobs.Manager the API uses.
type JobService interface {
	Submit(ctx context.Context, table database.TableIdentity, gc enricher.GenerationConfig) (string, error)
	Get(ctx context.Context, id string) (*jobs.Job, error)
	List(ctx context.Context) ([]*jobs.Job, error)
	Cancel(ctx context.Context, id string) (bool, error)
}

// Generator runs a generation inline.
type Generator interface {
	GenerateNow(ctx context.Context, table database.TableIdentity, gc enricher.GenerationConfig) (*enricher.MetadataDocument, error)
}

// DocumentReader returns stored documents.
type DocumentReader interface {
	Latest(ctx context.Context, table database.TableIdentity) (*enricher.MetadataDocument, string, error)
}

// generateRequest is the body of POST /v1/jobs and POST /v1/generate.
// Config fields override the server defaults; Sections enables optional
// sections by name on top of them.
type generateRequest struct {
	Table    database.TableIdentity `json:"table"`
	Sections []string               `json:"sections,omitempty"`
	Config   json.RawMessage        `json:"config,omitempty"`
}

type handlers struct {
	jobs     JobService
	gen      Generator
	docs     DocumentReader
	defaults sampler.Request
	logger   *zap.Logger
}

func (h *handlers) decodeRequest(r *http.Request) (database.TableIdentity, enricher.GenerationConfig, error) {
	var req generateRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return database.TableIdentity{}, enricher.GenerationConfig{}, &apperrors.ConfigValidationError{Field: "body", Msg: fmt.Sprintf("invalid JSON: %v", err)}
	}
	gc := enricher.NewGenerationConfig(h.defaults)
	if len(bytes.TrimSpace(req.Config)) > 0 && !bytes.Equal(bytes.TrimSpace(req.Config), []byte("null")) {
		cdec := json.NewDecoder(bytes.NewReader(req.Config))
		cdec.DisallowUnknownFields()
		if err := cdec.Decode(&gc); err != nil {
			return database.TableIdentity{}, enricher.GenerationConfig{}, &apperrors.ConfigValidationError{Field: "config", Msg: err.Error()}
		}
	}
	if err := gc.EnableSections(req.Sections); err != nil {
		return database.TableIdentity{}, enricher.GenerationConfig{}, err
	}
	return req.Table, gc, nil
}

func (h *handlers) submitJob(w http.ResponseWriter, r *http.Request) {
	table, gc, err := h.decodeRequest(r)
	if err != nil {
		writeAppError(w, err)
		return
	}
	id, err := h.jobs.Submit(r.Context(), table, gc)
	if err != nil {
		writeAppError(w, err)
		return
	}
	w.Header().Set("Location", "/v1/jobs/"+id)
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

func (h *handlers) listJobs(w http.ResponseWriter, r *http.Request) {
	list, err := h.jobs.List(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	status := jobs.Status(r.URL.Query().Get("status"))
	out := make([]*jobs.Job, 0, len(list))
	for _, j := range list {
		if status != "" && j.Status != status {
			continue
		}
		// Results are fetched per job.
		j.Result = nil
		out = append(out, j)
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (h *handlers) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Get(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *handlers) jobDocument(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Get(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	if job.Result == nil {
		writeError(w, http.StatusConflict, "NO_RESULT", fmt.Sprintf("job %s is %s", job.ID, job.Status))
		return
	}
	h.writeDocument(w, r, job.Result)
}

func (h *handlers) cancelJob(w http.ResponseWriter, r *http.Request) {
	ok, err := h.jobs.Cancel(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": ok})
}

func (h *handlers) generate(w http.ResponseWriter, r *http.Request) {
	if h.gen == nil {
		writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "inline generation is disabled")
		return
	}
	table, gc, err := h.decodeRequest(r)
	if err != nil {
		writeAppError(w, err)
		return
	}
	doc, err := h.gen.GenerateNow(r.Context(), table, gc)
	if err != nil {
		h.logger.Warn("inline generation failed", zap.Stringer("table", table), zap.Error(err))
		writeAppError(w, err)
		return
	}
	h.writeDocument(w, r, doc)
}

func (h *handlers) latestDocument(w http.ResponseWriter, r *http.Request) {
	if h.docs == nil {
		writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "document storage is not configured")
		return
	}
	table := database.TableIdentity{
		Database: chi.URLParam(r, "database"),
		Schema:   chi.URLParam(r, "schema"),
		Table:    chi.URLParam(r, "table"),
	}
	doc, key, err := h.docs.Latest(r.Context(), table)
	if err != nil {
		writeAppError(w, err)
		return
	}
	w.Header().Set("X-Document-Key", key)
	h.writeDocument(w, r, doc)
}

// writeDocument renders doc as json (default), yaml or text depending on
// the format query parameter.
func (h *handlers) writeDocument(w http.ResponseWriter, r *http.Request, doc *enricher.MetadataDocument) {
	switch format := r.URL.Query().Get("format"); format {
	case "", "json":
		writeJSON(w, http.StatusOK, doc)
	case "yaml":
		data, err := yaml.Marshal(doc)
		if err != nil {
			writeAppError(w, fmt.Errorf("encode yaml: %w", err))
			return
		}
		w.Header().Set("Content-Type", "application/yaml")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	case "text":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, enricher.FormatDocumentAsText(doc))
	default:
		writeAppError(w, &apperrors.ConfigValidationError{Field: "format", Msg: fmt.Sprintf("unsupported format %q", format)})
	}
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

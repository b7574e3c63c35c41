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
	"encoding/json"
	"errors"
	"net/http"

	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/apperrors"
)

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Category apperrors.Category `json:"category,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: message}})
}

// writeAppError maps an error chain onto an HTTP status.
func writeAppError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL_ERROR"
	category := apperrors.CategoryOf(err)
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, apperrors.ErrQueueFull):
		status, code = http.StatusServiceUnavailable, "QUEUE_FULL"
	default:
		switch category {
		case apperrors.CategoryValidation:
			status, code = http.StatusBadRequest, "INVALID_REQUEST"
		case apperrors.CategorySchema:
			status, code = http.StatusNotFound, "TABLE_NOT_FOUND"
		case apperrors.CategoryCost:
			status, code = http.StatusUnprocessableEntity, "COST_LIMIT_EXCEEDED"
		case apperrors.CategoryConnection:
			status, code = http.StatusServiceUnavailable, "DATABASE_UNAVAILABLE"
		case apperrors.CategoryLLM:
			status, code = http.StatusBadGateway, "LLM_ERROR"
		case apperrors.CategoryCancelled:
			status, code = http.StatusConflict, "CANCELLED"
		}
	}
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: err.Error(), Category: category}})
}

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
package apperrors

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
)

var (
	ErrCancelled = errors.New("generation cancelled")
	ErrNotFound  = errors.New("not found")
	ErrQueueFull = errors.New("job queue is full")
)

// SchemaNotFoundError is returned when the target table does not exist.
type SchemaNotFoundError struct {
	Table string
	Err   error
}

// ConnectionError represents a backend that could not be reached or dropped
// the connection mid-query. It is the only error class considered transient.
type ConnectionError struct {
	Msg string
	Err error
}

// CostLimitExceededError is terminal for the table it was raised for.
type CostLimitExceededError struct {
	EstimatedBytes int64
	CeilingBytes   int64
	EstimatedCost  float64
}

// LLMError is raised for LLM timeouts, transport failures and malformed replies.
type LLMError struct {
	Op      string
	Model   string
	Timeout bool
	Msg     string
	Err     error
}

// ConfigValidationError rejects caller configuration before any backend call.
type ConfigValidationError struct {
	Field string
	Msg   string
}

func (e *SchemaNotFoundError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("table %s not found: %v", e.Table, e.Err)
	}
	return fmt.Sprintf("table %s not found", e.Table)
}

func (e *SchemaNotFoundError) Unwrap() error {
	return e.Err
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connection error: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("connection error: %s", e.Msg)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

func (e *CostLimitExceededError) Error() string {
	return fmt.Sprintf("cost limit exceeded: query would process %s (%d bytes, ~$%.4f), ceiling is %s (%d bytes)",
		humanize.IBytes(uint64(max(e.EstimatedBytes, 0))), e.EstimatedBytes, e.EstimatedCost,
		humanize.IBytes(uint64(max(e.CeilingBytes, 0))), e.CeilingBytes)
}

func (e *LLMError) Error() string {
	prefix := "llm error"
	if e.Op != "" {
		prefix = fmt.Sprintf("llm error (%s)", e.Op)
	}
	if e.Model != "" {
		prefix += " model=" + e.Model
	}
	if e.Timeout {
		prefix += " timeout"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Msg)
}

func (e *LLMError) Unwrap() error {
	return e.Err
}

func (e *ConfigValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Msg)
}

// Category groups failures so callers can decide whether to retry,
// reconfigure or give up.
type Category string

const (
	CategorySchema     Category = "schema"
	CategoryCost       Category = "cost"
	CategoryConnection Category = "connection"
	CategoryValidation Category = "validation"
	CategoryLLM        Category = "llm"
	CategoryCancelled  Category = "cancelled"
	CategoryInternal   Category = "internal"
)

// CategoryOf classifies an error chain. Unknown errors are internal.
func CategoryOf(err error) Category {
	var (
		schemaErr *SchemaNotFoundError
		costErr   *CostLimitExceededError
		connErr   *ConnectionError
		cfgErr    *ConfigValidationError
		llmErr    *LLMError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &cfgErr):
		return CategoryValidation
	case errors.As(err, &schemaErr):
		return CategorySchema
	case errors.As(err, &costErr):
		return CategoryCost
	case errors.As(err, &connErr):
		return CategoryConnection
	case errors.As(err, &llmErr):
		return CategoryLLM
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return CategoryCancelled
	default:
		return CategoryInternal
	}
}

// IsTransient reports whether err may succeed on a retry.
func IsTransient(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

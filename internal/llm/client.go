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

// Package llm wraps the model providers behind a single JSON completion
// contract. Calls are never retried here; a failed call is an *apperrors.LLMError.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/apperrors"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/config"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/metrics"
)

const (
	ProviderGemini    = "gemini"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"

	defaultTimeout = 60 * time.Second
)

// Client returns a structured JSON reply for a prompt. schemaHint describes
// the expected shape and is appended to the prompt.
type Client interface {
	CompleteJSON(ctx context.Context, prompt, schemaHint string) (json.RawMessage, error)
	Model() string
	Close() error
}

// Config holds configuration for a single provider client.
type Config struct {
	Provider    string
	Model       string
	APIKey      string
	Endpoint    string
	Timeout     time.Duration
	Temperature float64
	MaxTokens   int
	// AllowedModels restricts ForModel; the default model is always allowed.
	AllowedModels []string
}

func ConfigFromSettings(c config.LLMConfig) Config {
	return Config{
		Provider:      c.Provider,
		Model:         c.Model,
		APIKey:        c.APIKey,
		Endpoint:      c.Endpoint,
		Timeout:       c.Timeout,
		Temperature:   c.Temperature,
		MaxTokens:     c.MaxTokens,
		AllowedModels: c.AllowedModels,
	}
}

// backend is the provider-specific half of a client: one prompt in, raw text out.
type backend interface {
	complete(ctx context.Context, prompt string) (string, error)
	// timedOut reports whether err means the provider gave up on a deadline.
	timedOut(err error) bool
	close() error
}

type jsonClient struct {
	backend backend
	model   string
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewClient creates a client for cfg.Provider.
func NewClient(ctx context.Context, cfg Config, m *metrics.Metrics, logger *zap.Logger) (Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.APIKey == "" && cfg.Endpoint == "" {
		return nil, &apperrors.ConfigValidationError{Field: "llm.api_key", Msg: "API key is missing"}
	}

	var (
		b   backend
		err error
	)
	switch strings.ToLower(cfg.Provider) {
	case "", ProviderGemini:
		b, err = newGeminiBackend(ctx, cfg)
	case ProviderOpenAI:
		b, err = newOpenAIBackend(cfg)
	case ProviderAnthropic:
		b, err = newAnthropicBackend(cfg)
	default:
		return nil, &apperrors.ConfigValidationError{Field: "llm.provider", Msg: fmt.Sprintf("unsupported provider %q", cfg.Provider)}
	}
	if err != nil {
		return nil, fmt.Errorf("create %s client: %w", cfg.Provider, err)
	}
	return newJSONClient(b, cfg, m, logger), nil
}

func newJSONClient(b backend, cfg Config, m *metrics.Metrics, logger *zap.Logger) *jsonClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &jsonClient{
		backend: b,
		model:   cfg.Model,
		timeout: timeout,
		metrics: m,
		logger:  logger.Named("llm").With(zap.String("model", cfg.Model)),
	}
}

func (c *jsonClient) Model() string { return c.model }

func (c *jsonClient) Close() error { return c.backend.close() }

// CompleteJSON runs one completion under the client timeout.
func (c *jsonClient) CompleteJSON(ctx context.Context, prompt, schemaHint string) (json.RawMessage, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	text, err := c.backend.complete(callCtx, BuildPrompt(prompt, schemaHint))
	if err != nil {
		timeout := errors.Is(err, context.DeadlineExceeded) ||
			errors.Is(callCtx.Err(), context.DeadlineExceeded) ||
			c.backend.timedOut(err)
		outcome := "error"
		if timeout {
			outcome = "timeout"
		}
		c.metrics.LLMCall(c.model, outcome)
		c.logger.Warn("completion failed", zap.Bool("timeout", timeout), zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return nil, &apperrors.LLMError{Op: "complete", Model: c.model, Timeout: timeout, Msg: "completion failed", Err: err}
	}

	raw, err := ExtractJSON(text)
	if err != nil {
		c.metrics.LLMCall(c.model, "malformed")
		c.logger.Warn("malformed reply", zap.Int("reply_len", len(text)))
		return nil, &apperrors.LLMError{Op: "parse", Model: c.model, Msg: "reply is not JSON", Err: err}
	}

	c.metrics.LLMCall(c.model, "ok")
	c.logger.Debug("completion done", zap.Int("prompt_len", len(prompt)), zap.Duration("elapsed", time.Since(start)))
	return json.RawMessage(raw), nil
}

// BuildPrompt appends the reply-shape instructions to prompt.
func BuildPrompt(prompt, schemaHint string) string {
	if strings.TrimSpace(schemaHint) == "" {
		return prompt + "\n\nRespond with a single JSON value and nothing else."
	}
	return fmt.Sprintf("%s\n\nRespond with a single JSON value and nothing else, shaped like:\n%s", prompt, schemaHint)
}

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
	"net/http"

	"github.com/liushuangls/go-anthropic/v2"
)

const defaultAnthropicMaxTokens = 4096

type anthropicBackend struct {
	client *anthropic.Client
	cfg    Config
}

func newAnthropicBackend(cfg Config) (*anthropicBackend, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("anthropic model is required")
	}
	var opts []anthropic.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, anthropic.WithBaseURL(cfg.Endpoint))
	}
	return &anthropicBackend{client: anthropic.NewClient(cfg.APIKey, opts...), cfg: cfg}, nil
}

func (a *anthropicBackend) complete(ctx context.Context, prompt string) (string, error) {
	maxTokens := a.cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	temperature := float32(a.cfg.Temperature)

	resp, err := a.client.CreateMessages(ctx, anthropic.MessagesRequest{
		Model:       anthropic.Model(a.cfg.Model),
		MaxTokens:   maxTokens,
		Temperature: &temperature,
		System:      "You describe database tables. Reply with JSON only.",
		Messages: []anthropic.Message{
			{Role: anthropic.RoleUser, Content: []anthropic.MessageContent{
				{Type: "text", Text: &prompt},
			}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create message: %w", err)
	}
	for _, block := range resp.Content {
		if block.Type == "text" && block.Text != nil {
			return *block.Text, nil
		}
	}
	return "", fmt.Errorf("message has no text content (stop reason %q)", resp.StopReason)
}

func (a *anthropicBackend) timedOut(err error) bool {
	var reqErr *anthropic.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.StatusCode == http.StatusRequestTimeout || reqErr.StatusCode == http.StatusGatewayTimeout
	}
	return false
}

func (a *anthropicBackend) close() error { return nil }

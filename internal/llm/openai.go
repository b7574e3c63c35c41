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
	"strings"

	"github.com/sashabaranov/go-openai"
)

// openAIBackend talks to any OpenAI-compatible chat completion endpoint.
type openAIBackend struct {
	client *openai.Client
	cfg    Config
}

func newOpenAIBackend(cfg Config) (*openAIBackend, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("openai model is required")
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.Endpoint != "" {
		oc.BaseURL = strings.TrimSuffix(cfg.Endpoint, "/")
	}
	return &openAIBackend{client: openai.NewClientWithConfig(oc), cfg: cfg}, nil
}

func (o *openAIBackend) complete(ctx context.Context, prompt string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: o.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: "You describe database tables. Reply with JSON only."},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: float32(o.cfg.Temperature),
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}
	if o.cfg.MaxTokens > 0 {
		req.MaxCompletionTokens = o.cfg.MaxTokens
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (o *openAIBackend) timedOut(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusRequestTimeout || apiErr.HTTPStatusCode == http.StatusGatewayTimeout
	}
	return false
}

func (o *openAIBackend) close() error { return nil }

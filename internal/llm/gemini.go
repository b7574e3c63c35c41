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
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const defaultGeminiModel = "gemini-1.5-pro-002"

// geminiBackend uses the Google Gemini API in JSON response mode.
type geminiBackend struct {
	client *genai.Client
	cfg    Config
}

func newGeminiBackend(ctx context.Context, cfg Config) (*geminiBackend, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("cannot create Gemini client: API key is missing")
	}
	opts := []option.ClientOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	if cfg.Model == "" {
		cfg.Model = defaultGeminiModel
	}
	return &geminiBackend{client: client, cfg: cfg}, nil
}

func (g *geminiBackend) complete(ctx context.Context, prompt string) (string, error) {
	if g.client == nil {
		return "", fmt.Errorf("gemini client not initialized")
	}
	model := g.client.GenerativeModel(g.cfg.Model)
	model.SetTemperature(float32(g.cfg.Temperature))
	if g.cfg.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(g.cfg.MaxTokens))
	}
	model.SetTopP(0.9)
	model.ResponseMIMEType = "application/json"

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("Gemini API call failed: %w", err)
	}
	return getFirstTextPart(resp)
}

func (g *geminiBackend) timedOut(err error) bool {
	if st, ok := status.FromError(err); ok {
		return st.Code() == codes.DeadlineExceeded
	}
	return false
}

func (g *geminiBackend) close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

// getFirstTextPart concatenates the text parts of the first candidate.
func getFirstTextPart(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		finishReason := "unknown"
		safetyRatings := "none"
		if resp != nil && len(resp.Candidates) > 0 {
			finishReason = resp.Candidates[0].FinishReason.String()
			if resp.Candidates[0].SafetyRatings != nil {
				safetyRatings = fmt.Sprintf("%v", resp.Candidates[0].SafetyRatings)
			}
		}
		return "", fmt.Errorf("empty or incomplete response from Gemini API. FinishReason: %s, SafetyRatings: %s", finishReason, safetyRatings)
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		text, ok := part.(genai.Text)
		if !ok {
			return "", fmt.Errorf("unexpected response part type: %T", part)
		}
		sb.WriteString(string(text))
	}
	return sb.String(), nil
}

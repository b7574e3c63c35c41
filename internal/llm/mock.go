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
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/apperrors"
)

// MockClient is a configurable Client for tests.
type MockClient struct {
	// CompleteFunc answers CompleteJSON. If nil, "{}" is returned.
	CompleteFunc func(ctx context.Context, prompt, schemaHint string) (json.RawMessage, error)
	ModelName    string

	mu      sync.Mutex
	prompts []string
}

func NewMockClient() *MockClient {
	return &MockClient{ModelName: "mock-model"}
}

func (m *MockClient) CompleteJSON(ctx context.Context, prompt, schemaHint string) (json.RawMessage, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	m.mu.Unlock()
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, prompt, schemaHint)
	}
	return json.RawMessage(`{}`), nil
}

func (m *MockClient) Model() string { return m.ModelName }

func (m *MockClient) Close() error { return nil }

// Calls returns the number of CompleteJSON invocations.
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}

// Prompts returns a copy of every prompt received, in call order.
func (m *MockClient) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}

// StaticResolver resolves every model name to the same client and records
// the names it was asked for.
type StaticResolver struct {
	Client Client
	// Allowed, when set, is the only set of non-empty names CheckModel accepts.
	Allowed []string

	mu        sync.Mutex
	requested []string
}

func (r *StaticResolver) ForModel(_ context.Context, model string) (Client, error) {
	r.mu.Lock()
	r.requested = append(r.requested, model)
	r.mu.Unlock()
	return r.Client, nil
}

func (r *StaticResolver) CheckModel(model string) error {
	if model == "" || len(r.Allowed) == 0 || slices.Contains(r.Allowed, model) {
		return nil
	}
	return &apperrors.ConfigValidationError{Field: "model", Msg: fmt.Sprintf("model %q is not allowed", model)}
}

func (r *StaticResolver) Requested() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.requested...)
}

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
	"sync"

	"go.uber.org/zap"

	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/apperrors"
)

const defaultMaxConcurrent = 3

// WorkerPool bounds the number of concurrent LLM calls.
type WorkerPool struct {
	maxConcurrent int
	logger        *zap.Logger
}

func NewWorkerPool(maxConcurrent int, logger *zap.Logger) *WorkerPool {
	if maxConcurrent < 1 {
		maxConcurrent = defaultMaxConcurrent
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkerPool{maxConcurrent: maxConcurrent, logger: logger.Named("llm-worker-pool")}
}

func (p *WorkerPool) MaxConcurrent() int { return p.maxConcurrent }

type WorkItem[T any] struct {
	ID      string
	Execute func(ctx context.Context) (T, error)
}

type WorkResult[T any] struct {
	ID     string
	Result T
	Err    error
}

// Process runs every item with bounded parallelism and returns results in
// completion order. Once stop is closed, items that have not yet acquired a
// slot are skipped with apperrors.ErrCancelled; running items finish.
func Process[T any](
	ctx context.Context,
	pool *WorkerPool,
	items []WorkItem[T],
	stop <-chan struct{},
	onProgress func(completed, total int),
) []WorkResult[T] {
	if len(items) == 0 {
		return nil
	}

	resultsChan := make(chan WorkResult[T], len(items))
	sem := make(chan struct{}, pool.maxConcurrent)
	var wg sync.WaitGroup

	for _, item := range items {
		wg.Add(1)
		go func(item WorkItem[T]) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				resultsChan <- WorkResult[T]{ID: item.ID, Err: ctx.Err()}
				return
			case <-stop:
				resultsChan <- WorkResult[T]{ID: item.ID, Err: apperrors.ErrCancelled}
				return
			}
			if stopped(stop) {
				resultsChan <- WorkResult[T]{ID: item.ID, Err: apperrors.ErrCancelled}
				return
			}

			result, err := item.Execute(ctx)
			resultsChan <- WorkResult[T]{ID: item.ID, Result: result, Err: err}
		}(item)
	}

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	results := make([]WorkResult[T], 0, len(items))
	for result := range resultsChan {
		results = append(results, result)
		if onProgress != nil {
			onProgress(len(results), len(items))
		}
	}
	pool.logger.Debug("batch done", zap.Int("items", len(items)))
	return results
}

func stopped(stop <-chan struct{}) bool {
	if stop == nil {
		return false
	}
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

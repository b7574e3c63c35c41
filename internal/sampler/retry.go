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
package sampler

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/apperrors"
)

// RetryOptions configures the retry behavior
type RetryOptions struct {
	MaxAttempts       int           // Total attempts, including the first
	InitialBackoff    time.Duration // Initial backoff duration
	MaxBackoff        time.Duration // Maximum backoff duration
	BackoffMultiplier float64       // Multiplier for exponential backoff
}

// DefaultRetryOptions allows exactly one retry of a transient failure.
var DefaultRetryOptions = RetryOptions{
	MaxAttempts:       2,
	InitialBackoff:    500 * time.Millisecond,
	MaxBackoff:        2 * time.Second,
	BackoffMultiplier: 2.0,
}

// withRetry executes op, retrying only transient connection errors.
func withRetry[T any](ctx context.Context, opts RetryOptions, logger *zap.Logger, op func(context.Context) (T, error)) (T, error) {
	var lastErr error
	var result T

	attempts := max(opts.MaxAttempts, 1)
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = fmt.Errorf("%w: %v", apperrors.ErrCancelled, err)
			}
			return result, lastErr
		}

		result, lastErr = op(ctx)
		if lastErr == nil {
			return result, nil
		}
		if !apperrors.IsTransient(lastErr) || attempt == attempts-1 {
			return result, lastErr
		}

		backoff := opts.InitialBackoff * time.Duration(math.Pow(opts.BackoffMultiplier, float64(attempt)))
		if opts.MaxBackoff > 0 && backoff > opts.MaxBackoff {
			backoff = opts.MaxBackoff
		}
		logger.Warn("transient failure, retrying",
			zap.Int("attempt", attempt+1), zap.Duration("backoff", backoff), zap.Error(lastErr))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, fmt.Errorf("%w: cancelled during backoff: %v", apperrors.ErrCancelled, ctx.Err())
		case <-timer.C:
		}
	}

	return result, lastErr
}

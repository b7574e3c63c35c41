package sampler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/apperrors"
)

var fastRetry = RetryOptions{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 2}

func TestWithRetry(t *testing.T) {
	tests := []struct {
		name      string
		errs      []error
		wantCalls int
		wantErr   bool
	}{
		{"success first try", []error{nil}, 1, false},
		{"transient then success", []error{&apperrors.ConnectionError{Msg: "reset"}, nil}, 2, false},
		{"transient twice gives up", []error{&apperrors.ConnectionError{Msg: "a"}, &apperrors.ConnectionError{Msg: "b"}, nil}, 2, true},
		{"non transient not retried", []error{errors.New("syntax error"), nil}, 1, true},
		{"cost limit not retried", []error{&apperrors.CostLimitExceededError{}, nil}, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			got, err := withRetry(context.Background(), fastRetry, zap.NewNop(), func(ctx context.Context) (int, error) {
				err := tt.errs[calls]
				calls++
				return calls, err
			})
			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tt.wantCalls, got)
			}
		})
	}
}

func TestWithRetryCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := withRetry(ctx, fastRetry, zap.NewNop(), func(ctx context.Context) (int, error) {
		calls++
		return 0, nil
	})
	assert.Zero(t, calls)
	assert.ErrorIs(t, err, apperrors.ErrCancelled)
}

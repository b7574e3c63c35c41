package apperrors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCategoryOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"nil", nil, ""},
		{"schema", &SchemaNotFoundError{Table: "a.b.c"}, CategorySchema},
		{"wrapped schema", fmt.Errorf("inspect: %w", &SchemaNotFoundError{Table: "a.b.c"}), CategorySchema},
		{"cost", &CostLimitExceededError{EstimatedBytes: 10, CeilingBytes: 5}, CategoryCost},
		{"connection", &ConnectionError{Msg: "dial"}, CategoryConnection},
		{"validation", &ConfigValidationError{Field: "sample_size", Msg: "must be > 0"}, CategoryValidation},
		{"llm", &LLMError{Op: "complete", Msg: "boom"}, CategoryLLM},
		{"cancelled", fmt.Errorf("run: %w", ErrCancelled), CategoryCancelled},
		{"context cancelled", context.Canceled, CategoryCancelled},
		{"other", errors.New("boom"), CategoryInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CategoryOf(tt.err))
		})
	}
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(fmt.Errorf("query: %w", &ConnectionError{Msg: "reset"})))
	assert.False(t, IsTransient(&CostLimitExceededError{}))
	assert.False(t, IsTransient(errors.New("syntax error")))
}

func TestErrorMessages(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	connErr := &ConnectionError{Msg: "ping", Err: cause}
	assert.ErrorIs(t, connErr, cause)
	assert.Contains(t, connErr.Error(), "dial tcp: refused")

	costErr := &CostLimitExceededError{EstimatedBytes: 2 << 30, CeilingBytes: 1 << 30, EstimatedCost: 0.0122}
	assert.Contains(t, costErr.Error(), "2.0 GiB")
	assert.Contains(t, costErr.Error(), "1.0 GiB")

	llmErr := &LLMError{Op: "query_rules", Model: "gemini", Timeout: true, Msg: "deadline", Err: context.DeadlineExceeded}
	assert.ErrorIs(t, llmErr, context.DeadlineExceeded)
	assert.Contains(t, llmErr.Error(), "timeout")
}

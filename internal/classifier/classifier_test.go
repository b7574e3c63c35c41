package classifier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/config"
)

func TestEvaluate(t *testing.T) {
	c := New(config.ClassifierConfig{})

	tests := []struct {
		value  string
		want   bool
		reason Reason
	}{
		{"status_active", true, ReasonIncluded},
		{"gold_tier", true, ReasonIncluded},
		{"pending", true, ReasonIncluded},
		{"", false, ReasonTooShort},
		{"   ", false, ReasonTooShort},
		{"123", false, ReasonNumeric},
		{"-4.5", false, ReasonNumeric},
		{"1,000", false, ReasonNumeric},
		{"2023-01-01", false, ReasonDateLike},
		{"2023-01-01T10:00:00Z", false, ReasonDateLike},
		{"01/15/2023", false, ReasonDateLike},
		{"15-01-2023", false, ReasonDateLike},
		{"2023/01/15", false, ReasonDateLike},
		{"Jan 15, 2023", false, ReasonDateLike},
		{"15 Jan 2023", false, ReasonDateLike},
		{"15 january 2023", false, ReasonDateLike},
		{"SKU123", false, ReasonContainsDigit},
		{"v2", false, ReasonContainsDigit},
		{"NaN", true, ReasonIncluded},
		{"Inf", true, ReasonIncluded},
		{"-infinity", true, ReasonIncluded},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			d := c.Evaluate(tt.value)
			assert.Equal(t, tt.want, d.Include)
			assert.Equal(t, tt.reason, d.Reason)
		})
	}
}

func TestEvaluateMinLength(t *testing.T) {
	c := New(config.ClassifierConfig{MinLength: 3})
	assert.False(t, c.Evaluate("ab").Include)
	assert.True(t, c.Evaluate("abc").Include)
	assert.True(t, c.Evaluate("été").Include)
}

func TestCandidatesStatusScenario(t *testing.T) {
	c := New(config.ClassifierConfig{})
	got := c.Candidates([]any{"pending", "completed", "123", "2023-01-01", "pending", nil})
	assert.Equal(t, []string{"pending", "completed"}, got)
}

func TestCandidatesCapIsDeterministic(t *testing.T) {
	c := New(config.ClassifierConfig{MaxUniqueValues: 3})
	values := []any{"delta", "alpha", "delta", "charlie", "bravo", "echo"}

	first := c.Candidates(values)
	second := c.Candidates(values)
	assert.Equal(t, []string{"delta", "alpha", "charlie"}, first)
	assert.Equal(t, first, second)
}

func TestCandidatesStringifies(t *testing.T) {
	c := New(config.ClassifierConfig{})
	got := c.Candidates([]any{[]byte("north"), int64(7), 3.5, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), true})
	assert.Equal(t, []string{"north", "true"}, got)
}

func TestClassifyColumns(t *testing.T) {
	c := New(config.ClassifierConfig{})
	got := c.ClassifyColumns([]ColumnValues{
		{Name: "status", Values: []any{"pending", "completed", "123", "2023-01-01"}},
		{Name: "amount", Values: []any{10.5, 3.0}},
		{Name: "created", Values: []any{"2023-01-01", "15 Jan 2023"}},
	})
	assert.Equal(t, map[string][]string{"status": {"pending", "completed"}}, got)
}

func TestIsDateLike(t *testing.T) {
	assert.True(t, IsDateLike("Sept 3, 2021"))
	assert.False(t, IsDateLike("september"))
	assert.False(t, IsDateLike("gold_tier"))
}

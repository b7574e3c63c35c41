package llm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
		wantErr  bool
	}{
		{name: "plain object", input: `{"a":1}`, expected: `{"a":1}`},
		{name: "markdown fence", input: "```json\n{\"a\": [1, 2]}\n```", expected: `{"a": [1, 2]}`},
		{name: "leading prose", input: `Here you go: {"x":"}"} trailing`, expected: `{"x":"}"}`},
		{name: "think tags", input: "<think>{not json}</think>\n[1,2]", expected: `[1,2]`},
		{name: "array before object", input: `[{"a":1}]`, expected: `[{"a":1}]`},
		{name: "escaped quote", input: `{"q":"say \"hi\""}`, expected: `{"q":"say \"hi\""}`},
		{name: "no json", input: "sorry, I cannot help", wantErr: true},
		{name: "unbalanced", input: `{"a": 1`, wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestDecode(t *testing.T) {
	type reply struct {
		Columns map[string]string `json:"columns"`
	}
	got, err := Decode[reply](json.RawMessage(`{"columns":{"id":"primary key"}}`))
	require.NoError(t, err)
	assert.Equal(t, "primary key", got.Columns["id"])

	_, err = Decode[reply](json.RawMessage(`[1]`))
	assert.Error(t, err)
}

package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/apperrors"
	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/metrics"
)

type fakeBackend struct {
	reply   string
	err     error
	delay   time.Duration
	timeout bool
	prompt  string
}

func (f *fakeBackend) complete(ctx context.Context, prompt string) (string, error) {
	f.prompt = prompt
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.reply, f.err
}

func (f *fakeBackend) timedOut(error) bool { return f.timeout }
func (f *fakeBackend) close() error        { return nil }

func TestCompleteJSON_Success(t *testing.T) {
	b := &fakeBackend{reply: "```json\n{\"ok\":true}\n```"}
	c := newJSONClient(b, Config{Model: "m1", Timeout: time.Second}, nil, zap.NewNop())

	raw, err := c.CompleteJSON(context.Background(), "describe orders", `{"ok": bool}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(raw))
	assert.True(t, strings.HasPrefix(b.prompt, "describe orders"))
	assert.Contains(t, b.prompt, `{"ok": bool}`)
	assert.Equal(t, "m1", c.Model())
}

func TestCompleteJSON_Timeout(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	b := &fakeBackend{reply: "{}", delay: time.Second}
	c := newJSONClient(b, Config{Model: "slow", Timeout: 10 * time.Millisecond}, m, zap.NewNop())

	_, err := c.CompleteJSON(context.Background(), "p", "")
	var llmErr *apperrors.LLMError
	require.ErrorAs(t, err, &llmErr)
	assert.True(t, llmErr.Timeout)
	assert.Equal(t, "slow", llmErr.Model)
	assert.Equal(t, apperrors.CategoryLLM, apperrors.CategoryOf(err))
	n, err := testutil.GatherAndCount(reg, "metagen_llm_calls_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCompleteJSON_ProviderTimeout(t *testing.T) {
	b := &fakeBackend{err: errors.New("504"), timeout: true}
	c := newJSONClient(b, Config{Model: "m"}, nil, zap.NewNop())

	_, err := c.CompleteJSON(context.Background(), "p", "")
	var llmErr *apperrors.LLMError
	require.ErrorAs(t, err, &llmErr)
	assert.True(t, llmErr.Timeout)
}

func TestCompleteJSON_Malformed(t *testing.T) {
	b := &fakeBackend{reply: "I think the table stores orders."}
	c := newJSONClient(b, Config{Model: "m"}, nil, zap.NewNop())

	_, err := c.CompleteJSON(context.Background(), "p", "")
	var llmErr *apperrors.LLMError
	require.ErrorAs(t, err, &llmErr)
	assert.False(t, llmErr.Timeout)
	assert.Equal(t, "parse", llmErr.Op)
}

func TestCompleteJSON_TransportError(t *testing.T) {
	boom := errors.New("connection reset")
	c := newJSONClient(&fakeBackend{err: boom}, Config{Model: "m"}, nil, zap.NewNop())

	_, err := c.CompleteJSON(context.Background(), "p", "")
	assert.ErrorIs(t, err, boom)
	assert.False(t, apperrors.IsTransient(err), "LLM errors are never retried")
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(context.Background(), Config{Provider: "gemini"}, nil, nil)
	var cfgErr *apperrors.ConfigValidationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "llm.api_key", cfgErr.Field)

	_, err = NewClient(context.Background(), Config{Provider: "nope", APIKey: "k"}, nil, nil)
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "llm.provider", cfgErr.Field)

	_, err = NewClient(context.Background(), Config{Provider: "openai", APIKey: "k"}, nil, nil)
	assert.Error(t, err, "openai requires a model")
}

func TestNewClient_OpenAIAndAnthropic(t *testing.T) {
	c, err := NewClient(context.Background(), Config{Provider: "openai", APIKey: "k", Model: "gpt-4o-mini", Endpoint: "http://localhost:1234/v1/"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", c.Model())
	require.NoError(t, c.Close())

	c, err = NewClient(context.Background(), Config{Provider: "anthropic", APIKey: "k", Model: "claude-3-5-haiku-latest"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "claude-3-5-haiku-latest", c.Model())
}

func TestBuildPrompt(t *testing.T) {
	assert.Contains(t, BuildPrompt("x", ""), "single JSON value")
	p := BuildPrompt("x", `{"a": string}`)
	assert.True(t, strings.HasSuffix(p, `{"a": string}`))
}

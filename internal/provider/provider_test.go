package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spatialai/braind/internal/config"
)

func TestDescriptorHasCapabilities(t *testing.T) {
	d := Descriptor{Capabilities: []string{"general", "coding", "analysis"}}

	assert.True(t, d.HasCapabilities(nil))
	assert.True(t, d.HasCapabilities([]string{"coding"}))
	assert.True(t, d.HasCapabilities([]string{"general", "analysis"}))
	assert.False(t, d.HasCapabilities([]string{"vision"}))
	assert.False(t, d.HasCapabilities([]string{"coding", "vision"}))
}

func TestNewUnknownKind(t *testing.T) {
	_, err := New(config.ModelConfig{
		Name: "mystery",
		Kind: "cohere",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown adapter kind")
}

func TestNewFleetFromDefaults(t *testing.T) {
	fleet, err := NewFleet(config.DefaultModels())
	require.NoError(t, err)
	require.Len(t, fleet, 3)

	local, ok := fleet["local-llama"]
	require.True(t, ok)
	assert.Equal(t, "ollama", local.Descriptor().Kind)
	assert.Equal(t, 120*time.Second, local.Descriptor().Timeout)
	assert.False(t, local.Descriptor().RequiresNetwork)

	deep, ok := fleet["remote-deep"]
	require.True(t, ok)
	assert.Equal(t, "anthropic", deep.Descriptor().Kind)
	assert.True(t, deep.Descriptor().RequiresNetwork)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"deadline exceeded", context.DeadlineExceeded, FailureTimeout},
		{"canceled", context.Canceled, FailureTimeout},
		{"http 429", errors.New("API returned unexpected status code: 429"), FailureRateLimited},
		{"rate limit text", errors.New("rate limit exceeded, retry later"), FailureRateLimited},
		{"http 401", errors.New("API returned unexpected status code: 401"), FailureAuthFailed},
		{"invalid key", errors.New("invalid api key provided"), FailureAuthFailed},
		{"timeout text", errors.New("request timeout awaiting headers"), FailureTimeout},
		{"decode failure", errors.New("failed to decode response body"), FailureInvalidResponse},
		{"connection refused", errors.New("dial tcp 127.0.0.1:11434: connection refused"), FailureBackendUnavailable},
		{"http 503", errors.New("API returned unexpected status code: 503"), FailureBackendUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			perr := classify("test-adapter", tt.err)
			assert.Equal(t, tt.want, perr.Kind)
			assert.Equal(t, "test-adapter", perr.Adapter)
			assert.ErrorIs(t, perr, tt.err)
		})
	}
}

func TestKindOf(t *testing.T) {
	perr := &Error{Adapter: "a", Kind: FailureRateLimited}
	assert.Equal(t, FailureRateLimited, KindOf(perr))
	assert.Equal(t, FailureRateLimited, KindOf(fmt.Errorf("wrapped: %w", perr)))
	assert.Equal(t, FailureUnknown, KindOf(errors.New("plain")))
}

func TestErrorString(t *testing.T) {
	perr := &Error{Adapter: "remote-fast", Kind: FailureTimeout, Err: context.DeadlineExceeded}
	assert.Contains(t, perr.Error(), "remote-fast")
	assert.Contains(t, perr.Error(), "timeout")

	bare := &Error{Adapter: "local-llama", Kind: FailureInvalidResponse}
	assert.Contains(t, bare.Error(), "invalid_response")
}

func TestFailureKindString(t *testing.T) {
	assert.Equal(t, "rate_limited", FailureRateLimited.String())
	assert.Equal(t, "auth_failed", FailureAuthFailed.String())
	assert.Equal(t, "unknown", FailureUnknown.String())
}

func TestTokenUsage(t *testing.T) {
	t.Run("reported usage wins", func(t *testing.T) {
		p, c := tokenUsage(map[string]any{
			"PromptTokens":     100,
			"CompletionTokens": 40,
		}, "prompt", "output")
		assert.Equal(t, 100, p)
		assert.Equal(t, 40, c)
	})

	t.Run("anthropic style keys", func(t *testing.T) {
		p, c := tokenUsage(map[string]any{
			"InputTokens":  20,
			"OutputTokens": 10,
		}, "prompt", "output")
		assert.Equal(t, 20, p)
		assert.Equal(t, 10, c)
	})

	t.Run("missing usage estimated", func(t *testing.T) {
		p, c := tokenUsage(nil, "12345678", "1234")
		assert.Equal(t, 2, p)
		assert.Equal(t, 1, c)
	})

	t.Run("short text rounds up", func(t *testing.T) {
		p, _ := tokenUsage(nil, "hi", "")
		assert.Equal(t, 1, p)
	})
}

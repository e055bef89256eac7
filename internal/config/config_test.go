package config

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "braind", cfg.Telemetry.ServiceName)
	assert.Equal(t, 384, cfg.Memory.VectorSize)
	assert.Equal(t, 3, cfg.Memory.ImportanceFloor)
	assert.Equal(t, 2, cfg.Memory.AccessFloor)
	assert.Equal(t, 24*time.Hour, cfg.Memory.ConsolidateAge.Duration())
	assert.Equal(t, 5.00, cfg.Routing.DailyCostCeiling)
	assert.Equal(t, 0.6, cfg.Approval.RiskThreshold)
	assert.Equal(t, 60*time.Minute, cfg.Approval.TTL.Duration())
	assert.Equal(t, 50, cfg.Undo.MaxEntries)
	assert.Len(t, cfg.Models, 3)
	assert.Len(t, cfg.Routing.Tiers, 4)
}

func TestDefaultModels(t *testing.T) {
	models := DefaultModels()
	require.Len(t, models, 3)

	byName := make(map[string]ModelConfig, len(models))
	for _, m := range models {
		byName[m.Name] = m
	}

	local := byName["local-llama"]
	assert.Equal(t, "ollama", local.Kind)
	assert.Zero(t, local.CostPerToken)
	assert.False(t, local.RequiresNetwork)
	assert.Equal(t, 120*time.Second, local.Timeout.Duration())

	deep := byName["remote-deep"]
	assert.Equal(t, "anthropic", deep.Kind)
	assert.True(t, deep.RequiresNetwork)
	assert.Equal(t, 60*time.Second, deep.Timeout.Duration())
	assert.Greater(t, deep.CostPerToken, byName["remote-fast"].CostPerToken)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "empty data dir",
			mutate:  func(c *Config) { c.DataDir = "" },
			wantErr: "data_dir",
		},
		{
			name:    "risk threshold above one",
			mutate:  func(c *Config) { c.Approval.RiskThreshold = 1.5 },
			wantErr: "risk_threshold",
		},
		{
			name:    "negative cost ceiling",
			mutate:  func(c *Config) { c.Routing.DailyCostCeiling = -1 },
			wantErr: "daily_cost_ceiling",
		},
		{
			name:    "zero undo entries",
			mutate:  func(c *Config) { c.Undo.MaxEntries = 0 },
			wantErr: "max_entries",
		},
		{
			name:    "negative dedup window",
			mutate:  func(c *Config) { c.Memory.DedupWindow = Duration(-time.Minute) },
			wantErr: "dedup_window",
		},
		{
			name: "duplicate model name",
			mutate: func(c *Config) {
				c.Models = append(c.Models, c.Models[0])
			},
			wantErr: "duplicate model name",
		},
		{
			name: "unknown model kind",
			mutate: func(c *Config) {
				c.Models[0].Kind = "cohere"
			},
			wantErr: "unknown kind",
		},
		{
			name: "tier references missing model",
			mutate: func(c *Config) {
				c.Routing.Tiers["simple"] = TierPolicy{Primary: "nope"}
			},
			wantErr: "not a configured model",
		},
		{
			name: "unknown tier",
			mutate: func(c *Config) {
				c.Routing.Tiers["extreme"] = TierPolicy{Primary: "local-llama"}
			},
			wantErr: "unknown routing tier",
		},
		{
			name: "missing tier",
			mutate: func(c *Config) {
				delete(c.Routing.Tiers, "critical")
			},
			wantErr: `tier "critical" is not configured`,
		},
		{
			name: "validator references missing model",
			mutate: func(c *Config) {
				p := c.Routing.Tiers["moderate"]
				p.Validator = "ghost"
				c.Routing.Tiers["moderate"] = p
			},
			wantErr: "validator",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestLoadWithFileRejectsOutsideAllowedDirs(t *testing.T) {
	_, err := LoadWithFile("/tmp/evil/config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path validation failed")
}

func TestDurationText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	out, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(out))

	assert.Error(t, d.UnmarshalText([]byte("-5s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}

func TestDurationJSON(t *testing.T) {
	type wrapper struct {
		TTL Duration `json:"ttl"`
	}

	var w wrapper
	require.NoError(t, json.Unmarshal([]byte(`{"ttl":"1h"}`), &w))
	assert.Equal(t, time.Hour, w.TTL.Duration())

	raw, err := json.Marshal(w)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ttl":"1h0m0s"}`, string(raw))
}

func TestSecretRedaction(t *testing.T) {
	var s Secret
	require.NoError(t, s.UnmarshalText([]byte("sk-very-secret")))

	assert.True(t, s.IsSet())
	assert.Equal(t, "sk-very-secret", s.Value())
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%#v", s))

	raw, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Equal(t, `"[REDACTED]"`, string(raw))
}

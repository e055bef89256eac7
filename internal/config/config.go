// Package config provides configuration loading for braind.
//
// Configuration is loaded from a YAML file overridden by environment
// variables. The resulting Config struct is constructed once at startup and
// passed into the orchestrator; nothing in the core reads ambient state.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds the complete braind configuration.
type Config struct {
	DataDir   string          `koanf:"data_dir"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Memory    MemoryConfig    `koanf:"memory"`
	Embedding EmbeddingConfig `koanf:"embedding"`
	Models    []ModelConfig   `koanf:"models"`
	Routing   RoutingConfig   `koanf:"routing"`
	Approval  ApprovalConfig  `koanf:"approval"`
	Undo      UndoConfig      `koanf:"undo"`
}

// LoggingConfig holds log level and format, mapped onto the logging package
// config by the entrypoint.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Enabled      bool   `koanf:"enabled"`
	ServiceName  string `koanf:"service_name"`
	OTLPEndpoint string `koanf:"otlp_endpoint"`
}

// MemoryConfig holds memory store configuration.
type MemoryConfig struct {
	DBPath          string   `koanf:"db_path"`
	VectorPath      string   `koanf:"vector_path"`
	VectorSize      int      `koanf:"vector_size"`
	ImportanceFloor int      `koanf:"importance_floor"`
	AccessFloor     int      `koanf:"access_floor"`
	ConsolidateAge  Duration `koanf:"consolidate_age"`
	// DedupWindow bounds how long an identical (session, context) append
	// is rejected as a duplicate. Zero, the default, dedups for the whole
	// session lifetime.
	DedupWindow    Duration `koanf:"dedup_window"`
	BackfillEvery  Duration `koanf:"backfill_every"`
	EmbedQueueSize int      `koanf:"embed_queue_size"`
}

// EmbeddingConfig holds the embedding endpoint configuration.
// Any OpenAI-compatible embeddings API works (TEI, Ollama, OpenAI).
type EmbeddingConfig struct {
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
	APIKey  Secret `koanf:"api_key"`
}

// ModelConfig describes one provider adapter.
type ModelConfig struct {
	Name            string   `koanf:"name"`
	Kind            string   `koanf:"kind"` // ollama, openai, anthropic
	Model           string   `koanf:"model"`
	Endpoint        string   `koanf:"endpoint"`
	APIKey          Secret   `koanf:"api_key"`
	Capabilities    []string `koanf:"capabilities"`
	CostPerToken    float64  `koanf:"cost_per_token"`
	MaxTokens       int      `koanf:"max_tokens"`
	RequestsPerMin  int      `koanf:"requests_per_min"`
	TokensPerMin    int      `koanf:"tokens_per_min"`
	RequiresNetwork bool     `koanf:"requires_network"`
	Timeout         Duration `koanf:"timeout"`
}

// TierPolicy maps one complexity tier to its routing behavior.
type TierPolicy struct {
	Primary   string `koanf:"primary"`   // adapter name
	Validator string `koanf:"validator"` // optional concurrent validation adapter
}

// RoutingConfig holds the tier policy table and budget settings.
type RoutingConfig struct {
	Tiers            map[string]TierPolicy `koanf:"tiers"`
	DailyCostCeiling float64               `koanf:"daily_cost_ceiling"`
	MaxTaskWallClock Duration              `koanf:"max_task_wall_clock"`
}

// ApprovalConfig holds approval gateway settings.
type ApprovalConfig struct {
	RiskThreshold float64  `koanf:"risk_threshold"`
	TTL           Duration `koanf:"ttl"`
	SweepInterval Duration `koanf:"sweep_interval"`
}

// UndoConfig holds undo stack settings.
type UndoConfig struct {
	MaxEntries int `koanf:"max_entries"`
}

// validTiers are the complexity tiers the classifier can produce.
var validTiers = map[string]bool{
	"simple":   true,
	"moderate": true,
	"complex":  true,
	"critical": true,
}

// validModelKinds are the supported adapter kinds.
var validModelKinds = map[string]bool{
	"ollama":    true,
	"openai":    true,
	"anthropic": true,
}

// applyDefaults fills in zero values with production defaults.
func applyDefaults(cfg *Config) {
	if cfg.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.DataDir = filepath.Join(home, ".local", "share", "braind")
		} else {
			cfg.DataDir = ".braind"
		}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "braind"
	}
	if cfg.Memory.DBPath == "" {
		cfg.Memory.DBPath = filepath.Join(cfg.DataDir, "memory.db")
	}
	if cfg.Memory.VectorPath == "" {
		cfg.Memory.VectorPath = filepath.Join(cfg.DataDir, "vectors")
	}
	if cfg.Memory.VectorSize == 0 {
		cfg.Memory.VectorSize = 384
	}
	if cfg.Memory.ImportanceFloor == 0 {
		cfg.Memory.ImportanceFloor = 3
	}
	if cfg.Memory.AccessFloor == 0 {
		cfg.Memory.AccessFloor = 2
	}
	if cfg.Memory.ConsolidateAge == 0 {
		cfg.Memory.ConsolidateAge = Duration(24 * time.Hour)
	}
	if cfg.Memory.BackfillEvery == 0 {
		cfg.Memory.BackfillEvery = Duration(5 * time.Minute)
	}
	if cfg.Memory.EmbedQueueSize == 0 {
		cfg.Memory.EmbedQueueSize = 256
	}
	if cfg.Embedding.BaseURL == "" {
		cfg.Embedding.BaseURL = "http://localhost:8080"
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "BAAI/bge-small-en-v1.5"
	}
	if cfg.Routing.DailyCostCeiling == 0 {
		cfg.Routing.DailyCostCeiling = 5.00
	}
	if cfg.Routing.MaxTaskWallClock == 0 {
		cfg.Routing.MaxTaskWallClock = Duration(5 * time.Minute)
	}
	if cfg.Approval.RiskThreshold == 0 {
		cfg.Approval.RiskThreshold = 0.6
	}
	if cfg.Approval.TTL == 0 {
		cfg.Approval.TTL = Duration(60 * time.Minute)
	}
	if cfg.Approval.SweepInterval == 0 {
		cfg.Approval.SweepInterval = Duration(time.Minute)
	}
	if cfg.Undo.MaxEntries == 0 {
		cfg.Undo.MaxEntries = 50
	}
	if len(cfg.Models) == 0 {
		cfg.Models = DefaultModels()
	}
	if len(cfg.Routing.Tiers) == 0 {
		cfg.Routing.Tiers = DefaultTiers()
	}
	for i := range cfg.Models {
		if cfg.Models[i].Timeout == 0 {
			if cfg.Models[i].RequiresNetwork {
				cfg.Models[i].Timeout = Duration(30 * time.Second)
			} else {
				cfg.Models[i].Timeout = Duration(120 * time.Second)
			}
		}
	}
}

// DefaultModels returns the stock three-adapter fleet: one local Ollama
// model and two remote API models.
func DefaultModels() []ModelConfig {
	return []ModelConfig{
		{
			Name:           "local-llama",
			Kind:           "ollama",
			Model:          "llama3",
			Endpoint:       "http://localhost:11434",
			Capabilities:   []string{"general", "coding", "analysis"},
			CostPerToken:   0,
			MaxTokens:      4000,
			RequestsPerMin: 120,
			TokensPerMin:   200000,
			Timeout:        Duration(120 * time.Second),
		},
		{
			Name:            "remote-fast",
			Kind:            "openai",
			Model:           "gpt-4o",
			Capabilities:    []string{"general", "coding", "analysis"},
			CostPerToken:    0.0000150,
			MaxTokens:       4000,
			RequestsPerMin:  60,
			TokensPerMin:    100000,
			RequiresNetwork: true,
			Timeout:         Duration(30 * time.Second),
		},
		{
			Name:            "remote-deep",
			Kind:            "anthropic",
			Model:           "claude-3-5-sonnet-20241022",
			Capabilities:    []string{"general", "coding", "analysis", "reasoning"},
			CostPerToken:    0.0000300,
			MaxTokens:       4000,
			RequestsPerMin:  60,
			TokensPerMin:    80000,
			RequiresNetwork: true,
			Timeout:         Duration(60 * time.Second),
		},
	}
}

// DefaultTiers returns the stock tier policy table: local-first with
// validation at moderate, escalating to remote adapters above that.
func DefaultTiers() map[string]TierPolicy {
	return map[string]TierPolicy{
		"simple":   {Primary: "local-llama"},
		"moderate": {Primary: "local-llama", Validator: "remote-fast"},
		"complex":  {Primary: "remote-fast"},
		"critical": {Primary: "remote-deep"},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir cannot be empty")
	}
	if c.Memory.VectorSize <= 0 {
		return fmt.Errorf("memory vector_size must be positive, got %d", c.Memory.VectorSize)
	}
	if c.Memory.DedupWindow.Duration() < 0 {
		return errors.New("memory dedup_window cannot be negative")
	}
	if c.Approval.RiskThreshold < 0 || c.Approval.RiskThreshold > 1 {
		return fmt.Errorf("approval risk_threshold must be in [0,1], got %f", c.Approval.RiskThreshold)
	}
	if c.Approval.TTL.Duration() <= 0 {
		return errors.New("approval ttl must be positive")
	}
	if c.Undo.MaxEntries <= 0 {
		return fmt.Errorf("undo max_entries must be positive, got %d", c.Undo.MaxEntries)
	}
	if c.Routing.DailyCostCeiling < 0 {
		return errors.New("routing daily_cost_ceiling cannot be negative")
	}

	names := make(map[string]bool, len(c.Models))
	for _, m := range c.Models {
		if m.Name == "" {
			return errors.New("model name cannot be empty")
		}
		if names[m.Name] {
			return fmt.Errorf("duplicate model name %q", m.Name)
		}
		names[m.Name] = true
		if !validModelKinds[m.Kind] {
			return fmt.Errorf("model %q has unknown kind %q", m.Name, m.Kind)
		}
		if m.CostPerToken < 0 {
			return fmt.Errorf("model %q cost_per_token cannot be negative", m.Name)
		}
		if m.Timeout.Duration() <= 0 {
			return fmt.Errorf("model %q timeout must be positive", m.Name)
		}
	}

	for tier, policy := range c.Routing.Tiers {
		if !validTiers[tier] {
			return fmt.Errorf("unknown routing tier %q", tier)
		}
		if policy.Primary == "" {
			return fmt.Errorf("tier %q has no primary adapter", tier)
		}
		if !names[policy.Primary] {
			return fmt.Errorf("tier %q primary %q is not a configured model", tier, policy.Primary)
		}
		if policy.Validator != "" && !names[policy.Validator] {
			return fmt.Errorf("tier %q validator %q is not a configured model", tier, policy.Validator)
		}
	}
	for _, tier := range []string{"simple", "moderate", "complex", "critical"} {
		if _, ok := c.Routing.Tiers[tier]; !ok {
			return fmt.Errorf("routing tier %q is not configured", tier)
		}
	}

	return nil
}

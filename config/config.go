// Package config loads agentloop's ambient configuration surface (model
// provider credentials, AgentConfig knobs, persistence/telemetry endpoints)
// from a TOML file, with environment variables overriding file values.
package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the root configuration document.
type Config struct {
	Model     ModelConfig     `toml:"model"`
	Agent     AgentConfig     `toml:"agent"`
	Store     StoreConfig     `toml:"store"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// ModelConfig selects and authenticates a ModelClient.
type ModelConfig struct {
	Provider string `toml:"provider"` // "anthropic" or "bedrock"
	Model    string `toml:"model"`
	APIKey   string `toml:"api_key"`
	Region   string `toml:"region"` // bedrock only
}

// AgentConfig mirrors the subset of agentloop.AgentConfig expressible as
// plain data (functional-option fields like Strategy/Tracer are wired in
// code, not config).
type AgentConfig struct {
	SystemPrompt      string `toml:"system_prompt"`
	MaxCycles         int    `toml:"max_cycles"`
	ToolTimeoutMS     int    `toml:"tool_timeout_ms"`
	MaxParallelTools  int    `toml:"max_parallel_tools"`
	InvocationTimeout int    `toml:"invocation_timeout_ms"`
	PerCycleTimeoutMS int    `toml:"per_cycle_timeout_ms"`
}

// ToolTimeout returns ToolTimeoutMS as a time.Duration.
func (a AgentConfig) ToolTimeout() time.Duration {
	return time.Duration(a.ToolTimeoutMS) * time.Millisecond
}

// InvocationTimeoutDuration returns InvocationTimeout as a time.Duration.
func (a AgentConfig) InvocationTimeoutDuration() time.Duration {
	return time.Duration(a.InvocationTimeout) * time.Millisecond
}

// PerCycleTimeoutDuration returns PerCycleTimeoutMS as a time.Duration.
func (a AgentConfig) PerCycleTimeoutDuration() time.Duration {
	return time.Duration(a.PerCycleTimeoutMS) * time.Millisecond
}

// StoreConfig selects a Conversation persistence backend.
type StoreConfig struct {
	Driver string `toml:"driver"` // "sqlite" or "postgres"
	DSN    string `toml:"dsn"`
}

// TelemetryConfig configures the OTEL-backed Tracer.
type TelemetryConfig struct {
	Enabled     bool   `toml:"enabled"`
	ServiceName string `toml:"service_name"`
}

// Default returns a Config with sensible defaults applied.
func Default() Config {
	return Config{
		Model: ModelConfig{Provider: "anthropic", Model: "claude-opus-4-20250514"},
		Agent: AgentConfig{
			MaxCycles:         10,
			ToolTimeoutMS:     30_000,
			MaxParallelTools:  4,
			PerCycleTimeoutMS: 120_000,
		},
		Store: StoreConfig{Driver: "sqlite", DSN: "agentloop.db"},
		Telemetry: TelemetryConfig{
			ServiceName: "agentloop",
		},
	}
}

// Load reads config: defaults -> TOML file (if present) -> env vars (env
// wins). A missing or unreadable file at path is silently ignored; Load
// never fails, matching the reference CLI's "always get something runnable"
// posture.
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "agentloop.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	if v := os.Getenv("AGENTLOOP_MODEL_API_KEY"); v != "" {
		cfg.Model.APIKey = v
	}
	if v := os.Getenv("AGENTLOOP_MODEL_PROVIDER"); v != "" {
		cfg.Model.Provider = v
	}
	if v := os.Getenv("AGENTLOOP_MODEL_MODEL"); v != "" {
		cfg.Model.Model = v
	}
	if v := os.Getenv("AGENTLOOP_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if os.Getenv("AGENTLOOP_TELEMETRY_ENABLED") == "true" || os.Getenv("AGENTLOOP_TELEMETRY_ENABLED") == "1" {
		cfg.Telemetry.Enabled = true
	}

	return cfg
}

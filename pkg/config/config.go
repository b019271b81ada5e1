// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the runtime configuration from defaults, an
// optional YAML file, FORGE_ environment variables and explicit overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment overrides.
// FORGE_SANDBOX_MAX_STEPS maps to sandbox.max_steps.
const EnvPrefix = "FORGE_"

type Config struct {
	Log       LogConfig       `koanf:"log"`
	LLM       LLMConfig       `koanf:"llm"`
	Sandbox   SandboxConfig   `koanf:"sandbox"`
	Execution ExecutionConfig `koanf:"execution"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Store     StoreConfig     `koanf:"store"`
	Server    ServerConfig    `koanf:"server"`
	Builtins  BuiltinsConfig  `koanf:"builtins"`
	Seed      SeedConfig      `koanf:"seed"`
	Session   SessionConfig   `koanf:"session"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type LLMConfig struct {
	Provider      string  `koanf:"provider"` // ollama, openai, anthropic, gemini, mock
	Model         string  `koanf:"model"`
	BaseURL       string  `koanf:"base_url"`
	APIKey        string  `koanf:"api_key"`
	Temperature   float64 `koanf:"temperature"`
	MaxTokens     int     `koanf:"max_tokens"`
	RetryAttempts int     `koanf:"retry_attempts"`
}

// SandboxConfig bounds what compiled tool code may do.
type SandboxConfig struct {
	MaxSteps     uint64        `koanf:"max_steps"`
	CallTimeout  time.Duration `koanf:"call_timeout"`
	FSRoot       string        `koanf:"fs_root"`
	AllowNetwork bool          `koanf:"allow_network"`
}

type ExecutionConfig struct {
	Timeout       time.Duration `koanf:"timeout"`
	AppName       string        `koanf:"app_name"`
	HistoryWindow int           `koanf:"history_window"`
	MaxToolRounds int           `koanf:"max_tool_rounds"`
	SessionLocks  bool          `koanf:"session_locks"`
}

type TelemetryConfig struct {
	Exporter       string `koanf:"exporter"` // none, stdout, otlp
	OTLPEndpoint   string `koanf:"otlp_endpoint"`
	OTLPInsecure   bool   `koanf:"otlp_insecure"`
	ServiceName    string `koanf:"service_name"`
	ServiceVersion string `koanf:"service_version"`
}

type StoreConfig struct {
	Driver string `koanf:"driver"` // memory, sqlite
	DSN    string `koanf:"dsn"`
}

type ServerConfig struct {
	Addr           string   `koanf:"addr"`
	AllowedOrigins []string `koanf:"allowed_origins"`
}

type BuiltinsConfig struct {
	SearchEndpoint string        `koanf:"search_endpoint"`
	HTTPTimeout    time.Duration `koanf:"http_timeout"`
}

type SeedConfig struct {
	Dir string `koanf:"dir"`
}

// SessionConfig controls how long idle sessions are kept. A zero retention
// keeps them forever.
type SessionConfig struct {
	Retention     time.Duration `koanf:"retention"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
	SweepTimeout  time.Duration `koanf:"sweep_timeout"`
}

func defaults() map[string]any {
	return map[string]any{
		"log.level":                 "info",
		"log.format":                "text",
		"llm.provider":              "ollama",
		"llm.model":                 "qwen2.5:7b",
		"llm.base_url":              "http://localhost:11434",
		"llm.temperature":           0.2,
		"llm.max_tokens":            1024,
		"llm.retry_attempts":        2,
		"sandbox.max_steps":         1_000_000,
		"sandbox.call_timeout":      "10s",
		"sandbox.allow_network":     false,
		"execution.timeout":         "120s",
		"execution.app_name":        "kairosforge",
		"execution.history_window":  20,
		"execution.max_tool_rounds": 8,
		"telemetry.exporter":        "none",
		"telemetry.otlp_endpoint":   "localhost:4317",
		"telemetry.otlp_insecure":   true,
		"telemetry.service_name":    "kairosforge",
		"telemetry.service_version": "dev",
		"store.driver":              "memory",
		"store.dsn":                 "file:forge.db?_pragma=busy_timeout(5000)",
		"server.addr":               ":8080",
		"builtins.search_endpoint":  "https://html.duckduckgo.com/html/",
		"builtins.http_timeout":     "15s",
		"session.retention":         "168h",
		"session.sweep_interval":    "1h",
		"session.sweep_timeout":     "30s",
	}
}

// Load reads the configuration file at path (optional) on top of defaults
// and applies FORGE_ environment overrides.
func Load(path string) (*Config, error) {
	return LoadWithOverrides(path, nil)
}

// LoadWithOverrides is Load followed by explicit dotted-key overrides,
// typically collected from repeated --set key=value flags.
func LoadWithOverrides(path string, overrides map[string]any) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, err
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, err
	}
	if len(overrides) > 0 {
		if err := k.Load(confmap.Provider(overrides, "."), nil); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps FORGE_SECTION_SOME_KEY to section.some_key.
func envKey(s string) string {
	return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".", 1)
}

// ParseOverrides turns "key=value" pairs into an override map.
func ParseOverrides(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid override %q (want key=value)", pair)
		}
		out[key] = strings.TrimSpace(value)
	}
	return out, nil
}

// Validate checks enumerated settings.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "ollama", "openai", "anthropic", "gemini", "mock":
	default:
		return fmt.Errorf("unsupported llm.provider %q", c.LLM.Provider)
	}
	switch c.Telemetry.Exporter {
	case "", "none", "stdout", "otlp":
	default:
		return fmt.Errorf("unsupported telemetry.exporter %q", c.Telemetry.Exporter)
	}
	switch c.Store.Driver {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unsupported store.driver %q", c.Store.Driver)
	}
	if c.Execution.Timeout < 0 || c.Sandbox.CallTimeout < 0 || c.Session.Retention < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}

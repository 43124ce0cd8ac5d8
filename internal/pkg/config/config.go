// Package config loads the service configuration from a YAML file with a
// TRIALMATCH_ environment overlay.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes environment overrides; "__" separates key levels,
// so TRIALMATCH_SERVER__PORT sets server.port.
const EnvPrefix = "TRIALMATCH_"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
	Backend   BackendConfig   `koanf:"backend"`
	Heartbeat HeartbeatConfig `koanf:"heartbeat"`
	Stream    StreamConfig    `koanf:"stream"`
	Pipeline  PipelineConfig  `koanf:"pipeline"`
	Storage   StorageConfig   `koanf:"storage"`
	Extractor ExtractorConfig `koanf:"extractor"`
	Events    EventsConfig    `koanf:"events"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type ServerConfig struct {
	Port            int           `koanf:"port"`
	RequestTimeout  time.Duration `koanf:"request_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, text

	// File enables rotated file output alongside stdout.
	File       string `koanf:"file"`
	MaxSizeMB  int    `koanf:"max_size_mb"`
	MaxBackups int    `koanf:"max_backups"`
	MaxAgeDays int    `koanf:"max_age_days"`
	Compress   bool   `koanf:"compress"`
}

type BackendConfig struct {
	DefaultMode string            `koanf:"default_mode"` // mock, local, live
	Mock        MockBackendConfig `koanf:"mock"`
	Local       HTTPBackendConfig `koanf:"local"`
	Remote      HTTPBackendConfig `koanf:"remote"`
}

type MockBackendConfig struct {
	Delay         time.Duration `koanf:"delay"`
	PricePerToken float64       `koanf:"price_per_token"`
}

// HTTPBackendConfig configures a streamed HTTP backend. A backend without
// a base URL is not registered.
type HTTPBackendConfig struct {
	BaseURL    string `koanf:"base_url"`
	APIKey     string `koanf:"api_key"`
	StreamPath string `koanf:"stream_path"`
	HealthPath string `koanf:"health_path"`
}

type HeartbeatConfig struct {
	Timeout       time.Duration `koanf:"timeout"`
	CheckInterval time.Duration `koanf:"check_interval"`
}

type StreamConfig struct {
	ReadBufferSize int `koanf:"read_buffer_size"`
	MaxFrameSize   int `koanf:"max_frame_size"`
	EventBuffer    int `koanf:"event_buffer"`
}

type PipelineConfig struct {
	Stages []StageConfig `koanf:"stages"`
}

type StageConfig struct {
	Name  string `koanf:"name"`
	Model string `koanf:"model"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // memory, sqlite
	Memory MemoryConfig `koanf:"memory"`
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type MemoryConfig struct {
	TTL             time.Duration `koanf:"ttl"`
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type ExtractorConfig struct {
	Type   string                `koanf:"type"` // heuristic, openai, none
	OpenAI OpenAIExtractorConfig `koanf:"openai"`
}

type OpenAIExtractorConfig struct {
	APIKey  string `koanf:"api_key"`
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`

	// Fallback runs the heuristic extractor when the model call fails.
	Fallback bool `koanf:"fallback"`
}

type EventsConfig struct {
	Type string     `koanf:"type"` // none, log, direct, nats
	NATS NATSConfig `koanf:"nats"`
}

type NATSConfig struct {
	URL     string `koanf:"url"`
	Subject string `koanf:"subject"`
}

type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

type TelemetryConfig struct {
	Exporter    string  `koanf:"exporter"` // stdout, none
	SampleRatio float64 `koanf:"sample_ratio"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

var defaults = map[string]any{
	"server.port":                     8080,
	"server.request_timeout":          "10m",
	"server.shutdown_timeout":         "30s",
	"logging.level":                   "info",
	"logging.format":                  "json",
	"logging.max_size_mb":             100,
	"logging.max_backups":             3,
	"logging.max_age_days":            28,
	"backend.default_mode":            "mock",
	"backend.mock.price_per_token":    0.000002,
	"heartbeat.timeout":               "45s",
	"heartbeat.check_interval":        "5s",
	"stream.read_buffer_size":         32 * 1024,
	"stream.max_frame_size":           1 << 20,
	"stream.event_buffer":             64,
	"storage.type":                    "memory",
	"storage.memory.ttl":              "24h",
	"storage.memory.cleanup_interval": "10m",
	"storage.sqlite.path":             "trialmatch.db",
	"extractor.type":                  "heuristic",
	"extractor.openai.model":          "gpt-4o-mini",
	"events.type":                     "log",
	"events.nats.url":                 "nats://127.0.0.1:4222",
	"events.nats.subject":             "trialmatch.turns",
	"metrics.enabled":                 true,
	"metrics.path":                    "/metrics",
	"telemetry.exporter":              "none",
}

// Load reads path (a missing file is not an error), overlays the
// environment and fills defaults. An empty path skips the file.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("load %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, err
	}

	for key, v := range defaults {
		if !k.Exists(key) {
			k.Set(key, v)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.Backend.Local.APIKey = substituteEnvVars(cfg.Backend.Local.APIKey)
	cfg.Backend.Remote.APIKey = substituteEnvVars(cfg.Backend.Remote.APIKey)
	cfg.Extractor.OpenAI.APIKey = substituteEnvVars(cfg.Extractor.OpenAI.APIKey)
	cfg.Events.NATS.URL = substituteEnvVars(cfg.Events.NATS.URL)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks enumerations and timing relations.
func (c *Config) Validate() error {
	var errs []error

	if !oneOf(c.Backend.DefaultMode, "mock", "local", "live") {
		errs = append(errs, fmt.Errorf("backend.default_mode: unknown mode %q", c.Backend.DefaultMode))
	}
	if c.Backend.DefaultMode == "local" && c.Backend.Local.BaseURL == "" {
		errs = append(errs, fmt.Errorf("backend.default_mode is local but backend.local.base_url is empty"))
	}
	if c.Backend.DefaultMode == "live" && c.Backend.Remote.BaseURL == "" {
		errs = append(errs, fmt.Errorf("backend.default_mode is live but backend.remote.base_url is empty"))
	}
	if c.Heartbeat.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat.timeout must be positive"))
	}
	if c.Heartbeat.CheckInterval <= 0 || c.Heartbeat.CheckInterval >= c.Heartbeat.Timeout {
		errs = append(errs, fmt.Errorf("heartbeat.check_interval must be positive and shorter than heartbeat.timeout"))
	}
	if !oneOf(c.Storage.Type, "memory", "sqlite") {
		errs = append(errs, fmt.Errorf("storage.type: unknown type %q", c.Storage.Type))
	}
	if !oneOf(c.Extractor.Type, "heuristic", "openai", "none") {
		errs = append(errs, fmt.Errorf("extractor.type: unknown type %q", c.Extractor.Type))
	}
	if c.Extractor.Type == "openai" && c.Extractor.OpenAI.APIKey == "" {
		errs = append(errs, fmt.Errorf("extractor.openai.api_key is required for the openai extractor"))
	}
	if !oneOf(c.Events.Type, "none", "log", "direct", "nats") {
		errs = append(errs, fmt.Errorf("events.type: unknown type %q", c.Events.Type))
	}
	if c.Events.Type == "direct" && c.Storage.Type != "sqlite" {
		errs = append(errs, fmt.Errorf("events.type direct requires storage.type sqlite"))
	}
	seen := make(map[string]bool)
	for i, s := range c.Pipeline.Stages {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("pipeline.stages[%d]: name is required", i))
		} else if seen[s.Name] {
			errs = append(errs, fmt.Errorf("pipeline.stages[%d]: duplicate stage %q", i, s.Name))
		}
		seen[s.Name] = true
	}

	return errors.Join(errs...)
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

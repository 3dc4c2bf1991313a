// Package config loads pipeline settings from a JSON or YAML file and
// VEIL_* environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/veil/internal/capture"
	"github.com/felixgeelhaar/veil/internal/codec"
	"github.com/felixgeelhaar/veil/internal/guard"
	"github.com/felixgeelhaar/veil/internal/observe"
	"github.com/felixgeelhaar/veil/internal/processor"
	"github.com/felixgeelhaar/veil/internal/provider"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "VEIL_"

type CaptureConfig struct {
	QueueSize       int           `json:"queue_size" yaml:"queue_size" env:"QUEUE_SIZE"`
	FutureTolerance time.Duration `json:"future_tolerance" yaml:"future_tolerance" env:"FUTURE_TOLERANCE"`
}

type EmbeddingConfig struct {
	provider.Settings `yaml:",inline"`
	NoiseEpsilon      float64 `json:"noise_epsilon" yaml:"noise_epsilon" env:"NOISE_EPSILON"`
}

type IndexConfig struct {
	Path        string        `json:"path" yaml:"path" env:"PATH"`
	ArchiveDir  string        `json:"archive_dir" yaml:"archive_dir" env:"ARCHIVE_DIR"`
	Salt        string        `json:"salt" yaml:"salt" env:"SALT"`
	Compression string        `json:"compression" yaml:"compression" env:"COMPRESSION"`
	Retention   time.Duration `json:"retention" yaml:"retention" env:"RETENTION"`
}

type MemoryConfig struct {
	LimitBytes int64 `json:"limit_bytes" yaml:"limit_bytes" env:"LIMIT_BYTES"`
}

// Config is the full pipeline configuration.
type Config struct {
	Capture   CaptureConfig           `json:"capture" yaml:"capture" envPrefix:"CAPTURE_"`
	Privacy   guard.Policy            `json:"privacy" yaml:"privacy" envPrefix:"PRIVACY_"`
	Processor processor.Config        `json:"processor" yaml:"processor" envPrefix:"PROCESSOR_"`
	Embedding EmbeddingConfig         `json:"embedding" yaml:"embedding" envPrefix:"EMBEDDING_"`
	Index     IndexConfig             `json:"index" yaml:"index" envPrefix:"INDEX_"`
	Memory    MemoryConfig            `json:"memory" yaml:"memory" envPrefix:"MEMORY_"`
	Telemetry observe.TelemetryConfig `json:"telemetry" yaml:"telemetry" envPrefix:"TELEMETRY_"`
}

// ValidationResult represents the outcome of a validation pass.
type ValidationResult struct {
	Valid    bool
	Warnings []string
	Errors   []string
}

// Dir is the default data directory, ~/.veil.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".veil"
	}
	return filepath.Join(home, ".veil")
}

// Default returns the standard configuration rooted at dir.
func Default(dir string) Config {
	p := guard.DefaultPolicy
	p.SensitiveKeys = append([]string(nil), p.SensitiveKeys...)
	return Config{
		Capture: CaptureConfig{
			QueueSize: capture.DefaultQueueSize,
		},
		Privacy:   p,
		Processor: processor.DefaultConfig(),
		Embedding: EmbeddingConfig{
			Settings:     provider.Settings{Name: "stub"},
			NoiseEpsilon: 0.1,
		},
		Index: IndexConfig{
			Path:        filepath.Join(dir, "index.db"),
			ArchiveDir:  filepath.Join(dir, "archives"),
			Compression: string(codec.Zstd),
			Retention:   30 * 24 * time.Hour,
		},
		Memory: MemoryConfig{
			LimitBytes: 64 << 20,
		},
		Telemetry: observe.TelemetryConfig{
			ServiceName: "veil",
			Timeout:     5 * time.Second,
		},
	}
}

// Load reads a configuration file (JSON or YAML) over the defaults.
func Load(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return base, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := base
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return base, fmt.Errorf("failed to unmarshal JSON config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return base, fmt.Errorf("failed to unmarshal YAML config: %w", err)
		}
	default:
		return base, fmt.Errorf("unsupported config format: %s (use .json or .yaml)", ext)
	}

	return cfg, nil
}

// ApplyEnv overlays VEIL_* environment variables, e.g. VEIL_PRIVACY_K or
// VEIL_EMBEDDING_API_KEY.
func (c *Config) ApplyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate checks the configuration for values the pipeline cannot run with
// and for settings that weaken privacy.
func (c Config) Validate() ValidationResult {
	res := ValidationResult{
		Valid:    true,
		Warnings: []string{},
		Errors:   []string{},
	}
	fail := func(format string, args ...any) {
		res.Valid = false
		res.Errors = append(res.Errors, fmt.Sprintf(format, args...))
	}
	warn := func(format string, args ...any) {
		res.Warnings = append(res.Warnings, fmt.Sprintf(format, args...))
	}

	if err := c.Privacy.Validate(); err != nil {
		fail("privacy: %v", err)
	} else {
		if c.Privacy.Epsilon > 2 {
			warn("privacy: epsilon %.2f gives weak protection", c.Privacy.Epsilon)
		}
		if c.Privacy.K < 3 {
			warn("privacy: k=%d gives weak anonymity", c.Privacy.K)
		}
	}

	if c.Capture.QueueSize <= 0 {
		fail("capture: queue size must be positive")
	}
	if c.Capture.FutureTolerance < 0 {
		fail("capture: future tolerance cannot be negative")
	}

	p := c.Processor
	switch {
	case p.MaxBufferSize <= 0:
		fail("processor: max buffer size must be positive")
	case p.MinBatchSize <= 0 || p.MinBatchSize > p.MaxBatchSize:
		fail("processor: batch sizes must satisfy 0 < min <= max")
	case p.InitialBatchSize < p.MinBatchSize || p.InitialBatchSize > p.MaxBatchSize:
		fail("processor: initial batch size must lie within [min, max]")
	case p.BurstMaxBatchSize < p.MaxBatchSize:
		fail("processor: burst max batch size must be at least max batch size")
	case p.TargetLatency <= 0:
		fail("processor: target latency must be positive")
	}

	switch c.Embedding.Name {
	case "", "stub", "ollama":
	case "openai", "gemini":
		if c.Embedding.APIKey == "" {
			warn("embedding: %s needs an API key (veil config set %s.api_key ...)", c.Embedding.Name, c.Embedding.Name)
		}
	default:
		fail("embedding: unknown embedder %q", c.Embedding.Name)
	}
	if c.Embedding.NoiseEpsilon < 0 {
		fail("embedding: noise epsilon cannot be negative")
	} else if c.Embedding.NoiseEpsilon == 0 {
		warn("embedding: stored vectors carry no privacy noise")
	}

	if c.Index.Path == "" {
		fail("index: path is required")
	}
	if _, err := codec.ParseCompression(c.Index.Compression); err != nil {
		fail("index: %v", err)
	}
	if c.Index.Salt == "" {
		warn("index: no salt configured; archived hashes will not be stable across runs")
	}

	if c.Memory.LimitBytes < p.ActionBytes*int64(p.MinBatchSize) {
		fail("memory: limit %d cannot hold a minimum batch", c.Memory.LimitBytes)
	} else if p.ActionBytes > 0 && c.Memory.LimitBytes < p.ActionBytes*int64(p.BurstMaxBatchSize) {
		warn("memory: limit %d splits batches above %d actions", c.Memory.LimitBytes, c.Memory.LimitBytes/p.ActionBytes)
	}

	return res
}

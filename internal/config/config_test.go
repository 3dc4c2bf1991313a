package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	tmpDir, _ := os.MkdirTemp("", "config-test-*")
	defer os.RemoveAll(tmpDir)

	yamlPath := filepath.Join(tmpDir, "veil.yaml")
	os.WriteFile(yamlPath, []byte(`
privacy:
  epsilon: 0.5
  k: 10
processor:
  target_latency: 20ms
embedding:
  name: ollama
  model: nomic-embed-text
  noise_epsilon: 0.2
index:
  salt: pepper
`), 0600)

	jsonPath := filepath.Join(tmpDir, "veil.json")
	os.WriteFile(jsonPath, []byte(`{"privacy": {"k": 8}, "embedding": {"name": "openai", "model": "text-embedding-3-small"}}`), 0600)

	base := Default(tmpDir)

	t.Run("YAML", func(t *testing.T) {
		cfg, err := Load(yamlPath, base)
		if err != nil {
			t.Fatalf("Failed to load YAML: %v", err)
		}
		if cfg.Privacy.Epsilon != 0.5 || cfg.Privacy.K != 10 {
			t.Errorf("Expected epsilon 0.5 and k 10, got %v and %d", cfg.Privacy.Epsilon, cfg.Privacy.K)
		}
		if cfg.Privacy.TotalBudget != base.Privacy.TotalBudget {
			t.Errorf("Expected default budget to survive, got %v", cfg.Privacy.TotalBudget)
		}
		if cfg.Processor.TargetLatency != 20*time.Millisecond {
			t.Errorf("Expected 20ms target latency, got %v", cfg.Processor.TargetLatency)
		}
		if cfg.Embedding.Name != "ollama" || cfg.Embedding.Model != "nomic-embed-text" || cfg.Embedding.NoiseEpsilon != 0.2 {
			t.Errorf("Unexpected embedding config: %+v", cfg.Embedding)
		}
		if cfg.Index.Salt != "pepper" || cfg.Index.Path != filepath.Join(tmpDir, "index.db") {
			t.Errorf("Unexpected index config: %+v", cfg.Index)
		}
	})

	t.Run("JSON", func(t *testing.T) {
		cfg, err := Load(jsonPath, base)
		if err != nil {
			t.Fatalf("Failed to load JSON: %v", err)
		}
		if cfg.Privacy.K != 8 || cfg.Embedding.Name != "openai" {
			t.Errorf("Unexpected config: k=%d embedder=%s", cfg.Privacy.K, cfg.Embedding.Name)
		}
	})

	t.Run("Invalid Extension", func(t *testing.T) {
		_, err := Load(filepath.Join(tmpDir, "veil.txt"), base)
		if err == nil {
			t.Error("Expected error for .txt extension")
		}
	})

	t.Run("Malformed", func(t *testing.T) {
		bad := filepath.Join(tmpDir, "bad.yaml")
		os.WriteFile(bad, []byte("privacy: [unclosed"), 0600)
		if _, err := Load(bad, base); err == nil {
			t.Error("Expected error for malformed YAML")
		}
	})
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("VEIL_PRIVACY_K", "7")
	t.Setenv("VEIL_PRIVACY_SENSITIVE_KEYS", "email,ssn*")
	t.Setenv("VEIL_PROCESSOR_TARGET_LATENCY", "25ms")
	t.Setenv("VEIL_EMBEDDING_NAME", "gemini")
	t.Setenv("VEIL_EMBEDDING_API_KEY", "secret")
	t.Setenv("VEIL_TELEMETRY_ENABLED", "true")
	t.Setenv("VEIL_INDEX_SALT", "s1")

	cfg := Default(t.TempDir())
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}

	if cfg.Privacy.K != 7 {
		t.Errorf("Expected k 7, got %d", cfg.Privacy.K)
	}
	if len(cfg.Privacy.SensitiveKeys) != 2 || cfg.Privacy.SensitiveKeys[1] != "ssn*" {
		t.Errorf("Unexpected sensitive keys: %v", cfg.Privacy.SensitiveKeys)
	}
	if cfg.Processor.TargetLatency != 25*time.Millisecond {
		t.Errorf("Expected 25ms, got %v", cfg.Processor.TargetLatency)
	}
	if cfg.Embedding.Name != "gemini" || cfg.Embedding.APIKey != "secret" {
		t.Errorf("Unexpected embedding settings: %+v", cfg.Embedding.Settings)
	}
	if !cfg.Telemetry.Enabled {
		t.Error("Expected telemetry to be enabled")
	}
	if cfg.Index.Salt != "s1" {
		t.Errorf("Expected salt s1, got %q", cfg.Index.Salt)
	}
	if cfg.Privacy.Epsilon != 1.0 {
		t.Errorf("Expected unset values to keep defaults, got epsilon %v", cfg.Privacy.Epsilon)
	}
}

func TestValidate(t *testing.T) {
	t.Run("Default", func(t *testing.T) {
		cfg := Default(t.TempDir())
		cfg.Index.Salt = "s"
		res := cfg.Validate()
		if !res.Valid {
			t.Errorf("Expected valid, got invalid: %v", res.Errors)
		}
		if len(res.Warnings) != 0 {
			t.Errorf("Expected no warnings, got %v", res.Warnings)
		}
	})

	t.Run("Weak Privacy", func(t *testing.T) {
		cfg := Default(t.TempDir())
		cfg.Index.Salt = "s"
		cfg.Privacy.Epsilon = 5
		cfg.Privacy.K = 2
		cfg.Embedding.NoiseEpsilon = 0
		res := cfg.Validate()
		if !res.Valid {
			t.Errorf("Expected valid, got invalid: %v", res.Errors)
		}
		if len(res.Warnings) != 3 {
			t.Errorf("Expected 3 warnings, got %v", res.Warnings)
		}
	})

	t.Run("Missing API Key", func(t *testing.T) {
		cfg := Default(t.TempDir())
		cfg.Index.Salt = "s"
		cfg.Embedding.Name = "openai"
		res := cfg.Validate()
		if !res.Valid || len(res.Warnings) != 1 {
			t.Errorf("Expected one warning, got %v / %v", res.Warnings, res.Errors)
		}
	})

	t.Run("Small Memory Limit", func(t *testing.T) {
		cfg := Default(t.TempDir())
		cfg.Index.Salt = "s"
		cfg.Memory.LimitBytes = cfg.Processor.ActionBytes * int64(cfg.Processor.MinBatchSize) * 2
		res := cfg.Validate()
		if !res.Valid {
			t.Errorf("Expected valid, got invalid: %v", res.Errors)
		}
		if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "splits batches") {
			t.Errorf("Expected a batch split warning, got %v", res.Warnings)
		}
	})

	t.Run("Broken", func(t *testing.T) {
		cfg := Default(t.TempDir())
		cfg.Privacy.K = 0
		cfg.Capture.QueueSize = 0
		cfg.Processor.MinBatchSize = 0
		cfg.Embedding.Name = "word2vec"
		cfg.Index.Compression = "gzip"
		res := cfg.Validate()
		if res.Valid {
			t.Error("Expected invalid config")
		}
		if len(res.Errors) < 5 {
			t.Errorf("Expected at least 5 errors, got %d: %v", len(res.Errors), res.Errors)
		}
	})
}

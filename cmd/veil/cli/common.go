package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/felixgeelhaar/veil/internal/config"
	"github.com/felixgeelhaar/veil/internal/embedding"
	"github.com/felixgeelhaar/veil/internal/observe"
	"github.com/felixgeelhaar/veil/internal/provider"
	"github.com/felixgeelhaar/veil/internal/seal"
	"github.com/felixgeelhaar/veil/internal/store"
)

// apiKeySuffix marks configuration keys that are sealed at rest.
const apiKeySuffix = ".api_key"

func newObserver(out io.Writer) *observe.Observer {
	return observe.ForMode(out, ciMode, verbose)
}

// loadConfig layers the config file and VEIL_* variables over the defaults.
func loadConfig() (config.Config, error) {
	dir := dataDir
	if dir == "" {
		dir = config.Dir()
	}
	cfg := config.Default(dir)
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath, cfg); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}

	res := cfg.Validate()
	if !res.Valid {
		return cfg, fmt.Errorf("invalid config: %s", strings.Join(res.Errors, "; "))
	}
	return cfg, nil
}

// getStore opens the index. A nil vectorizer is enough for configuration
// and cleanup.
func getStore(cfg config.Config, v store.Vectorizer) (*store.SQLiteStore, error) {
	s, err := store.NewSQLiteStore(cfg.Index.Path, cfg.Index.ArchiveDir, v)
	if err != nil {
		return nil, fmt.Errorf("failed to init store: %w", err)
	}
	return s, nil
}

type configReader interface {
	GetConfig(key string) (string, error)
}

// resolveAPIKey fills in a stored key for the configured embedder when the
// environment did not provide one.
func resolveAPIKey(s configReader, settings *provider.Settings) error {
	if settings.APIKey != "" || settings.Name == "" || settings.Name == "stub" {
		return nil
	}
	key := settings.Name + apiKeySuffix
	stored, err := s.GetConfig(key)
	if err != nil || stored == "" {
		return err
	}
	if !seal.IsSealed(stored) {
		settings.APIKey = stored
		return nil
	}
	sealer, err := seal.NewMachineSealer()
	if err != nil {
		return err
	}
	plain, err := sealer.Open(key, stored)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", key, err)
	}
	settings.APIKey = plain
	return nil
}

// openIndex resolves the embedder and opens the store with it.
func openIndex(cfg *config.Config) (*store.SQLiteStore, error) {
	plain, err := getStore(*cfg, nil)
	if err != nil {
		return nil, err
	}
	err = resolveAPIKey(plain, &cfg.Embedding.Settings)
	plain.Close()
	if err != nil {
		return nil, err
	}

	emb, err := provider.New(cfg.Embedding.Settings)
	if err != nil {
		return nil, err
	}
	return getStore(*cfg, embedding.Pipeline{
		Embedder:     emb,
		NoiseEpsilon: cfg.Embedding.NoiseEpsilon,
		Domain:       "workflow",
	})
}

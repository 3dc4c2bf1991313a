package provider

import (
	"context"
	"fmt"
)

// Embedder generates vector embeddings for text.
type Embedder interface {
	// Embed generates a vector embedding for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Name returns the provider identifier (e.g., "stub", "openai").
	Name() string
}

// Settings selects and configures an embedder.
type Settings struct {
	Name    string `json:"name" yaml:"name" env:"NAME"`
	Model   string `json:"model" yaml:"model" env:"MODEL"`
	APIKey  string `json:"-" yaml:"-" env:"API_KEY"`
	BaseURL string `json:"base_url" yaml:"base_url" env:"BASE_URL"`
}

// New builds the embedder named in s.
func New(s Settings) (Embedder, error) {
	switch s.Name {
	case "", "stub":
		return NewStubEmbedder(), nil
	case "ollama":
		return NewOllamaEmbedder(s.Model)
	case "openai":
		return NewOpenAIEmbedder(s.APIKey, s.BaseURL, s.Model)
	case "gemini":
		return NewGeminiEmbedder(s.APIKey, s.Model)
	default:
		return nil, fmt.Errorf("unknown embedder %q", s.Name)
	}
}

package embed

import (
	"context"
	"fmt"
	"strings"
	"time"

	qaerrors "github.com/supnum/qarag/internal/errors"
)

// ProviderType represents an embedding provider
type ProviderType string

const (
	// ProviderHuggingFace calls the Hugging Face feature-extraction API (default).
	ProviderHuggingFace ProviderType = "huggingface"

	// ProviderOllama uses a local Ollama server.
	ProviderOllama ProviderType = "ollama"

	// ProviderOpenAI uses an OpenAI-compatible embeddings endpoint.
	ProviderOpenAI ProviderType = "openai"

	// ProviderStatic uses hash-based embeddings; offline and deterministic.
	ProviderStatic ProviderType = "static"
)

// Providers lists every accepted provider name.
func Providers() []ProviderType {
	return []ProviderType{ProviderHuggingFace, ProviderOllama, ProviderOpenAI, ProviderStatic}
}

// Config selects and configures a provider.
type Config struct {
	Provider          ProviderType
	Model             string
	Dimensions        int
	Endpoint          string
	Token             string
	BatchSize         int
	Timeout           time.Duration
	MaxRetries        int
	RequestsPerSecond float64
	WaitForModel      bool
}

// ParseProvider normalizes a provider name. An empty name selects Hugging Face.
func ParseProvider(name string) (ProviderType, error) {
	p := ProviderType(strings.ToLower(strings.TrimSpace(name)))
	if p == "" {
		return ProviderHuggingFace, nil
	}
	for _, known := range Providers() {
		if p == known {
			return p, nil
		}
	}
	return "", qaerrors.ConfigError(fmt.Sprintf("unknown embedding provider %q", name), nil).
		WithSuggestion("Use one of: huggingface, ollama, openai, static")
}

// NewEmbedder builds the embedder cfg names. There is no silent fallback to
// another provider: a misconfigured provider is an error.
func NewEmbedder(ctx context.Context, cfg Config) (Embedder, error) {
	provider, err := ParseProvider(string(cfg.Provider))
	if err != nil {
		return nil, err
	}

	switch provider {
	case ProviderOllama:
		return NewOllamaEmbedder(ctx, OllamaConfig{
			Host:       cfg.Endpoint,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			BatchSize:  cfg.BatchSize,
			Timeout:    cfg.Timeout,
			MaxRetries: cfg.MaxRetries,
		})
	case ProviderOpenAI:
		return NewOpenAIEmbedder(OpenAIConfig{
			BaseURL:    cfg.Endpoint,
			Token:      cfg.Token,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			BatchSize:  cfg.BatchSize,
			Timeout:    cfg.Timeout,
			MaxRetries: cfg.MaxRetries,
		})
	case ProviderStatic:
		return NewStaticEmbedder(cfg.Dimensions), nil
	default:
		return NewHFEmbedder(HFConfig{
			Endpoint:          cfg.Endpoint,
			Model:             cfg.Model,
			Token:             cfg.Token,
			Dimensions:        cfg.Dimensions,
			BatchSize:         cfg.BatchSize,
			Timeout:           cfg.Timeout,
			MaxRetries:        cfg.MaxRetries,
			RequestsPerSecond: cfg.RequestsPerSecond,
			WaitForModel:      cfg.WaitForModel,
		}), nil
	}
}

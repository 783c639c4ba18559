package embed

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"

	qaerrors "github.com/supnum/qarag/internal/errors"
)

// DefaultOpenAIModel is used when no embedding model is configured.
const DefaultOpenAIModel = "text-embedding-3-small"

// OpenAIConfig configures an OpenAI-compatible embedder.
type OpenAIConfig struct {
	// BaseURL overrides the API base (for compatible local servers).
	BaseURL string

	// Token is the API key.
	Token string

	// Model is the embedding model name.
	Model string

	// Dimensions is the expected embedding size.
	Dimensions int

	// BatchSize caps texts per request (default: 32)
	BatchSize int

	// Timeout bounds a single request attempt (default: 60s)
	Timeout time.Duration

	// MaxRetries for transient failures (default: 3)
	MaxRetries int
}

// OpenAIEmbedder embeds through langchaingo's OpenAI client.
type OpenAIEmbedder struct {
	config   OpenAIConfig
	embedder embeddings.Embedder
	retry    qaerrors.RetryConfig
}

// NewOpenAIEmbedder creates the client. It fails when no API key is available.
func NewOpenAIEmbedder(cfg OpenAIConfig) (*OpenAIEmbedder, error) {
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}

	opts := []openai.Option{openai.WithEmbeddingModel(cfg.Model)}
	if cfg.Token != "" {
		opts = append(opts, openai.WithToken(cfg.Token))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	client, err := openai.New(opts...)
	if err != nil {
		return nil, qaerrors.ProviderPermanent("openai: create client", err).
			WithSuggestion("Set OPENAI_API_KEY or embeddings.token")
	}

	// Newlines separate question from answer and are kept.
	embedder, err := embeddings.NewEmbedder(client,
		embeddings.WithStripNewLines(false),
		embeddings.WithBatchSize(cfg.BatchSize))
	if err != nil {
		return nil, fmt.Errorf("openai: create embedder: %w", err)
	}

	return &OpenAIEmbedder{
		config:   cfg,
		embedder: embedder,
		retry:    qaerrors.ProviderRetryConfig(cfg.MaxRetries),
	}, nil
}

// Embed generates embedding for a single text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	return qaerrors.RetryWithResult(ctx, e.retry, func() ([][]float32, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()

		vecs, err := e.embedder.EmbedDocuments(attemptCtx, texts)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, classifyClientError("openai", err)
		}
		if len(vecs) != len(texts) {
			return nil, classifyDecodeError("openai",
				fmt.Errorf("got %d embeddings for %d inputs", len(vecs), len(texts)))
		}
		for i := range vecs {
			vecs[i] = normalizeVector(vecs[i])
		}
		return vecs, nil
	})
}

var statusCodePattern = regexp.MustCompile(`status code:? (\d{3})`)

// classifyClientError maps an SDK error to the provider taxonomy. SDK errors
// carry the HTTP status only in their message; without one the failure is
// treated as a transport problem and retried.
func classifyClientError(provider string, err error) error {
	if isContextErr(err) {
		return qaerrors.ProviderTransient(provider+": request timed out", err)
	}
	if m := statusCodePattern.FindStringSubmatch(strings.ToLower(err.Error())); m != nil {
		status, _ := strconv.Atoi(m[1])
		qe, _ := qaerrors.As(classifyStatus(provider, status, []byte(err.Error())))
		qe.Cause = err
		return qe
	}
	return qaerrors.ProviderTransient(provider+": request failed", err)
}

// Dimensions returns the configured embedding dimension.
func (e *OpenAIEmbedder) Dimensions() int {
	return e.config.Dimensions
}

// ModelName returns the model identifier.
func (e *OpenAIEmbedder) ModelName() string {
	return e.config.Model
}

// Available reports whether a test embedding succeeds.
func (e *OpenAIEmbedder) Available(ctx context.Context) bool {
	_, err := e.embedder.EmbedQuery(ctx, "ping")
	return err == nil
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (e *OpenAIEmbedder) Close() error {
	return nil
}

package embed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// HFConfig configures the Hugging Face feature-extraction embedder.
type HFConfig struct {
	// Endpoint is the inference base URL; the model id and pipeline path are appended.
	Endpoint string

	// Model is the sentence-transformers model id.
	Model string

	// Token is the Hugging Face API token (sent as a Bearer token).
	Token string

	// Dimensions is the expected embedding size; 0 uses DefaultHFDimensions.
	Dimensions int

	// BatchSize caps texts per request (default: 32)
	BatchSize int

	// Timeout bounds a single request attempt (default: 60s)
	Timeout time.Duration

	// MaxRetries for transient failures (default: 3)
	MaxRetries int

	// RequestsPerSecond limits request rate; 0 means unlimited.
	RequestsPerSecond float64

	// WaitForModel asks the API to block while a cold model loads instead of returning 503.
	WaitForModel bool
}

// hfRequest is the feature-extraction request body.
type hfRequest struct {
	Inputs  []string  `json:"inputs"`
	Options hfOptions `json:"options"`
}

type hfOptions struct {
	WaitForModel bool `json:"wait_for_model"`
}

// HFEmbedder calls the Hugging Face Inference feature-extraction pipeline.
// Token-level outputs are mean-pooled; every vector is L2-normalized.
type HFEmbedder struct {
	config HFConfig
	url    string
	http   *httpCaller
}

// NewHFEmbedder creates a Hugging Face embedder. No request is made until first use.
func NewHFEmbedder(cfg HFConfig) *HFEmbedder {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultHFEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = DefaultHFModel
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = DefaultHFDimensions
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchSize > MaxBatchSize {
		cfg.BatchSize = MaxBatchSize
	}

	caller := newHTTPCaller("huggingface", cfg.Timeout, cfg.MaxRetries, cfg.RequestsPerSecond)
	if cfg.Token != "" {
		caller.headers["Authorization"] = "Bearer " + cfg.Token
	}

	return &HFEmbedder{
		config: cfg,
		url:    strings.TrimRight(cfg.Endpoint, "/") + "/" + cfg.Model + "/pipeline/feature-extraction",
		http:   caller,
	}
}

// Embed generates embedding for a single text.
func (e *HFEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in request-sized batches, preserving order.
func (e *HFEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.config.BatchSize {
		end := min(start+e.config.BatchSize, len(texts))

		vecs, err := e.embedOnce(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		results = append(results, vecs...)
	}
	return results, nil
}

func (e *HFEmbedder) embedOnce(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(hfRequest{
		Inputs:  texts,
		Options: hfOptions{WaitForModel: e.config.WaitForModel},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	data, err := e.http.postJSON(ctx, e.url, body)
	if err != nil {
		return nil, err
	}

	vecs, err := decodeFeatureExtraction(data, len(texts))
	if err != nil {
		return nil, classifyDecodeError("huggingface", err)
	}

	slog.Debug("embedding_batch_done",
		slog.String("provider", "huggingface"),
		slog.Int("texts", len(texts)),
		slog.Int("dims", len(vecs[0])))
	return vecs, nil
}

// decodeFeatureExtraction accepts either one pooled vector per input
// ([][]float32) or token-level matrices per input ([][][]float32).
func decodeFeatureExtraction(data []byte, want int) ([][]float32, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, err
	}
	if len(items) != want {
		return nil, fmt.Errorf("got %d embeddings for %d inputs", len(items), want)
	}

	out := make([][]float32, len(items))
	for i, raw := range items {
		var pooled []float32
		if err := json.Unmarshal(raw, &pooled); err == nil {
			if len(pooled) == 0 {
				return nil, fmt.Errorf("embedding %d is empty", i)
			}
			out[i] = normalizeVector(pooled)
			continue
		}
		var tokens [][]float32
		if err := json.Unmarshal(raw, &tokens); err != nil {
			return nil, fmt.Errorf("embedding %d: %w", i, err)
		}
		vec := meanPool(tokens)
		if len(vec) == 0 {
			return nil, fmt.Errorf("embedding %d is empty", i)
		}
		out[i] = normalizeVector(vec)
	}
	return out, nil
}

// Dimensions returns the configured embedding dimension.
func (e *HFEmbedder) Dimensions() int {
	return e.config.Dimensions
}

// ModelName returns the model identifier.
func (e *HFEmbedder) ModelName() string {
	return e.config.Model
}

// Available reports whether a one-word embedding succeeds.
func (e *HFEmbedder) Available(ctx context.Context) bool {
	_, err := e.embedOnce(ctx, []string{"ping"})
	return err == nil
}

// Close releases idle connections.
func (e *HFEmbedder) Close() error {
	e.http.close()
	return nil
}

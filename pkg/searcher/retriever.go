package searcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/supnum/qarag/internal/embed"
	qaerrors "github.com/supnum/qarag/internal/errors"
	"github.com/supnum/qarag/internal/search"
	"github.com/supnum/qarag/internal/store"
	"github.com/supnum/qarag/internal/telemetry"
)

// ErrNilHolder is returned when creating a Retriever without a bundle holder.
var ErrNilHolder = errors.New("bundle holder is required")

// ErrNilEmbedder is returned when creating a Retriever without an embedder.
var ErrNilEmbedder = errors.New("embedder is required")

// Recorder receives one event per answered query.
type Recorder interface {
	Record(e telemetry.QueryEvent)
}

// Candidate is one fused hit with its record.
type Candidate struct {
	search.Hit
	Question string   `json:"question"`
	Answer   string   `json:"answer"`
	Source   string   `json:"source"`
	Tags     []string `json:"tags"`
}

// Result is the answer to one query. Found is false when nothing matched;
// that is not an error.
type Result struct {
	Query         string      `json:"query"`
	K             int         `json:"k"`
	Found         bool        `json:"found"`
	LowConfidence bool        `json:"low_confidence"`
	Score         float64     `json:"score"`
	Position      int         `json:"position"`
	Question      string      `json:"question"`
	Answer        string      `json:"answer"`
	Source        string      `json:"source"`
	Tags          []string    `json:"tags"`
	Candidates    []Candidate `json:"candidates"`
	BundleID      string      `json:"bundle_id,omitempty"`
}

// Retriever answers queries against the bundle a Holder serves.
type Retriever struct {
	holder   *search.Holder
	embedder embed.Embedder
	ranker   *search.Ranker
	gate     search.Gate
	opts     search.Options
	recorder Recorder
	logger   *slog.Logger

	cacheSize int
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithSearchOptions replaces the ranking options. TopFinal is taken from k
// on every query.
func WithSearchOptions(opts search.Options) Option {
	return func(r *Retriever) {
		r.opts = opts
	}
}

// WithConfidenceThreshold sets the low-confidence threshold.
func WithConfidenceThreshold(t float64) Option {
	return func(r *Retriever) {
		r.gate = search.NewGate(t)
	}
}

// WithRecorder sends query events to rec.
func WithRecorder(rec Recorder) Option {
	return func(r *Retriever) {
		r.recorder = rec
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Retriever) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithQueryCache sets the query embedding cache size. Zero disables it.
func WithQueryCache(size int) Option {
	return func(r *Retriever) {
		r.cacheSize = size
	}
}

// NewRetriever creates a retriever over holder embedding queries with e.
func NewRetriever(holder *search.Holder, e embed.Embedder, opts ...Option) (*Retriever, error) {
	if holder == nil {
		return nil, ErrNilHolder
	}
	if e == nil {
		return nil, ErrNilEmbedder
	}

	r := &Retriever{
		holder:    holder,
		gate:      search.NewGate(search.DefaultConfidenceThreshold),
		opts:      search.DefaultOptions(),
		logger:    slog.Default(),
		cacheSize: embed.DefaultEmbeddingCacheSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.opts.Validate(); err != nil {
		return nil, err
	}

	r.embedder = e
	if r.cacheSize > 0 {
		r.embedder = embed.NewCachedEmbedder(e, r.cacheSize)
	}
	r.ranker = search.NewRanker(r.embedder, search.WithLogger(r.logger))
	return r, nil
}

// Retrieve returns the best fused record for query among the top k. query
// must be non-empty after trimming and k at least 1.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int) (*Result, error) {
	start := time.Now()

	q := strings.TrimSpace(query)
	if q == "" {
		return nil, qaerrors.ValidationError("query must not be empty", nil).
			WithSuggestion("Pass a question, for example ?query=capital+of+France")
	}
	if k < 1 {
		return nil, qaerrors.ValidationError(fmt.Sprintf("k must be at least 1, got %d", k), nil).
			WithDetail("k", fmt.Sprint(k))
	}

	bundle, err := r.holder.Get(ctx)
	if err != nil {
		return nil, err
	}

	opts := r.opts
	opts.TopFinal = k
	opts.KVec = max(opts.KVec, k)
	opts.KBM25 = max(opts.KBM25, k)

	hits, err := r.ranker.Retrieve(ctx, bundle, q, opts)
	if err != nil {
		r.logger.Warn("retrieve_failed", append([]any{slog.String("query", q)}, attrsOf(err)...)...)
		return nil, err
	}

	res := r.buildResult(bundle, q, k, hits)
	r.record(res, time.Since(start))

	r.logger.Debug("query_answered",
		slog.String("query", q),
		slog.Int("k", k),
		slog.Bool("found", res.Found),
		slog.Bool("low_confidence", res.LowConfidence),
		slog.Float64("score", res.Score),
		slog.Duration("duration", time.Since(start)))
	return res, nil
}

func (r *Retriever) buildResult(b *store.Bundle, query string, k int, hits []search.Hit) *Result {
	res := &Result{
		Query:         query,
		K:             k,
		Position:      -1,
		Tags:          []string{},
		Candidates:    make([]Candidate, 0, len(hits)),
		LowConfidence: r.gate.Assess(hits),
		BundleID:      b.Manifest.BundleID,
	}

	for _, h := range hits {
		rec, ok := b.Metadata.Get(h.Position)
		if !ok {
			// A fused position outside the metadata means the bundle is misaligned.
			r.logger.Error("hit_without_record", slog.Int("position", h.Position))
			continue
		}
		res.Candidates = append(res.Candidates, Candidate{
			Hit:      h,
			Question: rec.Question,
			Answer:   rec.Answer,
			Source:   rec.Source,
			Tags:     nonNilTags(rec.Tags),
		})
	}

	if len(res.Candidates) > 0 {
		top := res.Candidates[0]
		res.Found = true
		res.Score = top.Score
		res.Position = top.Position
		res.Question = top.Question
		res.Answer = top.Answer
		res.Source = top.Source
		res.Tags = top.Tags
	}
	return res
}

func (r *Retriever) record(res *Result, latency time.Duration) {
	if r.recorder == nil {
		return
	}
	r.recorder.Record(telemetry.QueryEvent{
		Query:         res.Query,
		Found:         res.Found,
		LowConfidence: res.LowConfidence,
		TopScore:      res.Score,
		Latency:       latency,
		Timestamp:     time.Now(),
	})
}

// Holder returns the bundle holder.
func (r *Retriever) Holder() *search.Holder {
	return r.holder
}

// Threshold returns the confidence threshold in use.
func (r *Retriever) Threshold() float64 {
	return r.gate.Threshold
}

// Close releases the embedder.
func (r *Retriever) Close() error {
	return r.embedder.Close()
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func attrsOf(err error) []any {
	attrs := qaerrors.LogAttrs(err)
	out := make([]any, len(attrs))
	for i, a := range attrs {
		out[i] = a
	}
	return out
}

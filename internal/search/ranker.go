package search

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/supnum/qarag/internal/embed"
	"github.com/supnum/qarag/internal/store"
)

// QueryEmbedder is the part of embed.Embedder the ranker needs.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

var _ QueryEmbedder = (embed.Embedder)(nil)

// Ranker runs hybrid retrieval over a bundle. It holds no bundle state and
// is safe for concurrent use.
type Ranker struct {
	embedder QueryEmbedder
	logger   *slog.Logger
}

// RankerOption configures a Ranker.
type RankerOption func(*Ranker)

// WithLogger sets the ranker's logger.
func WithLogger(l *slog.Logger) RankerOption {
	return func(r *Ranker) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRanker creates a ranker embedding queries with e.
func NewRanker(e QueryEmbedder, opts ...RankerOption) *Ranker {
	r := &Ranker{embedder: e, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Retrieve returns up to opts.TopFinal fused hits for query. An empty result
// means no match and is not an error. The vector channel fails with
// DimensionMismatch when the provider's dimension differs from the bundle's.
func (r *Ranker) Retrieve(ctx context.Context, b *store.Bundle, query string, opts Options) ([]Hit, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if b.Len() == 0 {
		return []Hit{}, nil
	}

	start := time.Now()
	var (
		vecHits []store.VectorHit
		lexHits []store.LexicalHit
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		qvec, err := r.embedder.Embed(gctx, query)
		if err != nil {
			return err
		}
		vecHits, err = b.Vectors.Search(qvec, opts.KVec)
		return err
	})
	g.Go(func() error {
		k := 0
		if opts.LexicalPrefilter {
			k = opts.KBM25
		}
		lexHits = b.Lexical.TopK(store.Tokenize(query), k)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	hits := fuse(vectorChannel(vecHits), lexicalChannel(lexHits), opts.Alpha, opts.TopFinal)

	r.logger.Debug("retrieve_done",
		slog.Int("vector_hits", len(vecHits)),
		slog.Int("lexical_hits", len(lexHits)),
		slog.Int("fused", len(hits)),
		slog.Duration("duration", time.Since(start)))
	return hits, nil
}

package search

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/supnum/qarag/internal/embed"
	"github.com/supnum/qarag/internal/store"
)

// qa is a question/answer pair for test bundles.
type qa struct{ q, a string }

// buildBundle indexes pairs in memory with the given embedder.
func buildBundle(t *testing.T, e embed.Embedder, pairs ...qa) *store.Bundle {
	t.Helper()

	vectors, err := store.NewFlatIndex(e.Dimensions())
	require.NoError(t, err)
	meta := store.NewMetadataStore()
	corpus := make([][]string, 0, len(pairs))

	for _, p := range pairs {
		doc := store.ComposeDocText(p.q, p.a)
		vec, err := e.Embed(context.Background(), doc)
		require.NoError(t, err)
		require.NoError(t, vectors.Add(vec))
		meta.Append(store.Record{Question: p.q, Answer: p.a, DocText: doc})
		corpus = append(corpus, store.Tokenize(doc))
	}

	return &store.Bundle{
		Vectors:  vectors,
		Lexical:  store.BuildLexical(corpus, store.DefaultBM25Params()),
		Metadata: meta,
		Manifest: store.Manifest{Model: e.ModelName()},
	}
}

// constantEmbedder returns the same vector for every text.
type constantEmbedder struct {
	vec   []float32
	calls atomic.Int64
}

func (c *constantEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	c.calls.Add(1)
	return c.vec, nil
}

// failingEmbedder always fails with err.
type failingEmbedder struct{ err error }

func (f failingEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return nil, f.err
}

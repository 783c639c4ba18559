package searcher

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/supnum/qarag/internal/embed"
	"github.com/supnum/qarag/internal/index"
	"github.com/supnum/qarag/internal/search"
)

var (
	benchSubjects = []string{"France", "Japan", "Brazil", "Kenya", "Norway", "Peru", "Egypt", "Canada"}
	benchAspects  = []string{"capital", "currency", "population", "language", "climate", "anthem", "flag", "river"}
)

// generateCorpus builds n synthetic records. The seed keeps runs comparable.
func generateCorpus(n int) []index.RawRecord {
	rng := rand.New(rand.NewSource(42))
	raws := make([]index.RawRecord, n)
	for i := range raws {
		subject := benchSubjects[rng.Intn(len(benchSubjects))]
		aspect := benchAspects[rng.Intn(len(benchAspects))]
		raws[i] = index.RawRecord{
			Question: fmt.Sprintf("What is the %s of %s (variant %d)?", aspect, subject, i),
			Answer:   fmt.Sprintf("The %s of %s is item %d.", aspect, subject, rng.Intn(1_000_000)),
			Source:   "bench",
		}
	}
	return raws
}

func generateBenchQueries(n int) []string {
	rng := rand.New(rand.NewSource(7))
	queries := make([]string, n)
	for i := range queries {
		queries[i] = fmt.Sprintf("%s of %s",
			benchAspects[rng.Intn(len(benchAspects))], benchSubjects[rng.Intn(len(benchSubjects))])
	}
	return queries
}

func setupBenchRetriever(b *testing.B, n int) *Retriever {
	b.Helper()

	e := embed.NewStaticEmbedder(0)
	dir := filepath.Join(b.TempDir(), "index")
	if _, err := index.NewBuilder(e, index.Options{}).Publish(context.Background(), index.FromRecords(generateCorpus(n)), dir); err != nil {
		b.Fatalf("publish failed: %v", err)
	}
	r, err := NewRetriever(search.NewHolder(dir), e)
	if err != nil {
		b.Fatalf("retriever: %v", err)
	}
	if _, err := r.Holder().Get(context.Background()); err != nil {
		b.Fatalf("load failed: %v", err)
	}
	return r
}

// BenchmarkRetrieve_Scale measures a query against exact vector search and
// BM25 at growing corpus sizes.
func BenchmarkRetrieve_Scale(b *testing.B) {
	for _, scale := range []int{100, 1000, 10000} {
		b.Run(fmt.Sprintf("scale_%d", scale), func(b *testing.B) {
			r := setupBenchRetriever(b, scale)
			queries := generateBenchQueries(10)
			ctx := context.Background()

			b.ResetTimer()
			b.ReportAllocs()

			for i := 0; i < b.N; i++ {
				if _, err := r.Retrieve(ctx, queries[i%len(queries)], 5); err != nil {
					b.Fatalf("retrieve failed: %v", err)
				}
			}
		})
	}
}

// BenchmarkRetrieve_Parallel measures concurrent queries over one bundle.
func BenchmarkRetrieve_Parallel(b *testing.B) {
	r := setupBenchRetriever(b, 10000)
	queries := generateBenchQueries(100)
	ctx := context.Background()

	b.ResetTimer()
	b.ReportAllocs()

	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			if _, err := r.Retrieve(ctx, queries[i%len(queries)], 5); err != nil {
				b.Errorf("retrieve failed: %v", err)
				return
			}
			i++
		}
	})
}

// BenchmarkPublish measures building and publishing a bundle.
func BenchmarkPublish(b *testing.B) {
	e := embed.NewStaticEmbedder(0)
	raws := generateCorpus(1000)
	base := b.TempDir()

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		dir := filepath.Join(base, fmt.Sprintf("index-%d", i))
		if _, err := index.NewBuilder(e, index.Options{}).Publish(context.Background(), index.FromRecords(raws), dir); err != nil {
			b.Fatalf("publish failed: %v", err)
		}
	}
}

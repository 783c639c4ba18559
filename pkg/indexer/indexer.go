package indexer

import (
	"context"
	"errors"
	"log/slog"

	"github.com/supnum/qarag/internal/embed"
	"github.com/supnum/qarag/internal/index"
	"github.com/supnum/qarag/internal/store"
)

// ErrNilEmbedder is returned when Options carries no embedder.
var ErrNilEmbedder = errors.New("embedder is required")

// Record is one question/answer pair supplied in memory.
type Record = index.RawRecord

// Report summarizes an ingestion.
type Report = index.Report

// Stage is an ingestion phase reported through Options.Stage.
type Stage = index.Stage

// Ingestion phases, in order.
const (
	StageValidate = index.StageValidate
	StageEmbed    = index.StageEmbed
	StagePublish  = index.StagePublish
)

// Options configures an ingestion.
type Options struct {
	// Embedder embeds every document. Required.
	Embedder embed.Embedder

	// BatchSize is the number of documents per provider call.
	// Default: 32
	BatchSize int

	// Concurrency bounds in-flight provider calls.
	// Default: 2
	Concurrency int

	// BM25 holds the lexical scoring parameters.
	// Default: k1=1.2, b=0.75
	BM25 store.BM25Params

	// Progress is called after every embedded batch.
	Progress func(done, total int)

	// Stage is called as each phase starts with the number of items it covers.
	Stage func(stage Stage, total int)

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (o Options) builder() (*index.Builder, error) {
	if o.Embedder == nil {
		return nil, ErrNilEmbedder
	}
	return index.NewBuilder(o.Embedder, index.Options{
		BatchSize:   o.BatchSize,
		Concurrency: o.Concurrency,
		BM25:        o.BM25,
		Progress:    o.Progress,
		Stage:       o.Stage,
		Logger:      o.Logger,
	}), nil
}

// Ingest reads the JSONL file at dataPath and publishes a bundle at outDir,
// replacing any bundle already there.
//
// Behavior:
//   - Lines that are not JSON objects and records missing a question or an
//     answer are rejected and listed in the report
//   - Provider, dimension and I/O failures abort without touching outDir
//   - A file with no valid record publishes an empty bundle
func Ingest(ctx context.Context, dataPath, outDir string, opts Options) (*Report, error) {
	b, err := opts.builder()
	if err != nil {
		return nil, err
	}
	return b.IngestFile(ctx, dataPath, outDir)
}

// IngestRecords publishes records held in memory. Records are numbered
// from 1 in the report.
func IngestRecords(ctx context.Context, records []Record, outDir string, opts Options) (*Report, error) {
	b, err := opts.builder()
	if err != nil {
		return nil, err
	}
	return b.Publish(ctx, index.FromRecords(records), outDir)
}

// Stat returns the manifest of the bundle published at dir.
func Stat(dir string) (store.Manifest, error) {
	return store.ReadManifest(dir)
}

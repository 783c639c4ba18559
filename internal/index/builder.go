package index

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/supnum/qarag/internal/embed"
	qaerrors "github.com/supnum/qarag/internal/errors"
	"github.com/supnum/qarag/internal/store"
)

// Defaults for Options.
const (
	DefaultBatchSize   = 32
	DefaultConcurrency = 2
)

// ProgressFunc receives the number of documents embedded so far.
type ProgressFunc func(done, total int)

// Stage is an ingestion phase.
type Stage int

const (
	// StageValidate checks every raw record.
	StageValidate Stage = iota
	// StageEmbed embeds the accepted documents.
	StageEmbed
	// StagePublish writes and swaps in the bundle.
	StagePublish
)

// StageFunc is called as a phase starts, with the number of items it covers.
type StageFunc func(stage Stage, total int)

// Options configures a Builder.
type Options struct {
	// BatchSize is the number of documents per provider call.
	BatchSize int

	// Concurrency bounds in-flight provider calls.
	Concurrency int

	// BM25 holds the lexical scoring parameters stored in the bundle.
	BM25 store.BM25Params

	// Progress, when set, is called after every embedded batch.
	Progress ProgressFunc

	// Stage, when set, is called as each phase starts.
	Stage StageFunc

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.BM25 == (store.BM25Params{}) {
		o.BM25 = store.DefaultBM25Params()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Report summarizes one ingestion.
type Report struct {
	Accepted   int           `json:"accepted"`
	Rejected   int           `json:"rejected"`
	Rejections []Rejection   `json:"rejections"`
	Dim        int           `json:"dimensions"`
	Model      string        `json:"embedding_model"`
	BundleID   string        `json:"bundle_id,omitempty"`
	Dir        string        `json:"dir,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Builder turns records into an index bundle.
type Builder struct {
	embedder embed.Embedder
	opts     Options
}

// NewBuilder creates a builder embedding documents with e.
func NewBuilder(e embed.Embedder, opts Options) *Builder {
	return &Builder{embedder: e, opts: opts.withDefaults()}
}

// Build validates raws, embeds the accepted documents and builds the three
// bundle structures over one ordering. Invalid records are rejected and
// counted; any other failure aborts the build.
func (b *Builder) Build(ctx context.Context, raws []RawRecord) (*store.Bundle, *Report, error) {
	start := time.Now()
	log := b.opts.Logger
	report := &Report{Model: b.embedder.ModelName(), Rejections: []Rejection{}}

	b.enterStage(StageValidate, len(raws))
	records := make([]store.Record, 0, len(raws))
	for _, raw := range raws {
		rec, err := Validate(raw)
		if err != nil {
			b.reject(report, raw.Line, err.Error())
			continue
		}
		records = append(records, rec)
	}
	report.Accepted = len(records)

	b.enterStage(StageEmbed, len(records))
	vectors, err := b.embedAll(ctx, records)
	if err != nil {
		return nil, nil, err
	}

	dim := b.embedder.Dimensions()
	if len(vectors) > 0 {
		dim = len(vectors[0])
		if want := b.embedder.Dimensions(); want > 0 && want != dim {
			return nil, nil, qaerrors.DimensionMismatch(want, dim)
		}
	}
	flat, err := store.NewFlatIndex(dim)
	if err != nil {
		return nil, nil, qaerrors.InternalError("embedding provider reports no dimension", err)
	}

	meta := store.NewMetadataStore()
	corpus := make([][]string, 0, len(records))
	for i, rec := range records {
		if err := flat.Add(vectors[i]); err != nil {
			return nil, nil, fmt.Errorf("record %d: %w", i, err)
		}
		meta.Append(rec)
		corpus = append(corpus, store.Tokenize(rec.DocText))
	}

	bundle := &store.Bundle{
		Vectors:  flat,
		Lexical:  store.BuildLexical(corpus, b.opts.BM25),
		Metadata: meta,
		Manifest: store.Manifest{Model: b.embedder.ModelName()},
	}
	report.Dim = dim
	report.Duration = time.Since(start)

	log.Debug("bundle_built",
		slog.Int("accepted", report.Accepted),
		slog.Int("rejected", report.Rejected),
		slog.Int("dimensions", dim))
	return bundle, report, nil
}

func (b *Builder) enterStage(stage Stage, total int) {
	if b.opts.Stage != nil {
		b.opts.Stage(stage, total)
	}
}

func (b *Builder) reject(report *Report, line int, reason string) {
	report.Rejected++
	report.Rejections = append(report.Rejections, Rejection{Line: line, Reason: reason})
	b.opts.Logger.Warn("record_rejected",
		slog.Int("line", line),
		slog.String("reason", reason))
}

// embedAll embeds doc_text of every record in batches, at most
// Concurrency batches in flight, and returns vectors in record order.
func (b *Builder) embedAll(ctx context.Context, records []store.Record) ([][]float32, error) {
	total := len(records)
	if total == 0 {
		return nil, nil
	}

	size := b.opts.BatchSize
	batches := (total + size - 1) / size
	results := make([][][]float32, batches)

	var done int
	progress := make(chan int, batches)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.opts.Concurrency)

	for i := 0; i < batches; i++ {
		lo := i * size
		hi := min(lo+size, total)
		texts := make([]string, 0, hi-lo)
		for _, rec := range records[lo:hi] {
			texts = append(texts, rec.DocText)
		}

		g.Go(func() error {
			vecs, err := b.embedder.EmbedBatch(gctx, texts)
			if err != nil {
				return fmt.Errorf("embed documents %d-%d: %w", lo, hi-1, err)
			}
			if len(vecs) != len(texts) {
				return qaerrors.ProviderPermanent(fmt.Sprintf(
					"provider returned %d vectors for %d documents", len(vecs), len(texts)), nil)
			}
			results[i] = vecs
			progress <- len(vecs)
			return nil
		})

		// Drain finished batches without blocking the dispatch loop.
		done = b.drainProgress(progress, done, total)
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	close(progress)
	for n := range progress {
		done += n
		b.reportProgress(done, total)
	}

	out := make([][]float32, 0, total)
	for _, vecs := range results {
		out = append(out, vecs...)
	}
	return out, nil
}

func (b *Builder) drainProgress(ch <-chan int, done, total int) int {
	for {
		select {
		case n := <-ch:
			done += n
			b.reportProgress(done, total)
		default:
			return done
		}
	}
}

func (b *Builder) reportProgress(done, total int) {
	b.opts.Logger.Debug("embedding_progress", slog.Int("done", done), slog.Int("total", total))
	if b.opts.Progress != nil {
		b.opts.Progress(done, total)
	}
}

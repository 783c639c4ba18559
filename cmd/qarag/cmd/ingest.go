package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/supnum/qarag/internal/embed"
	"github.com/supnum/qarag/internal/output"
	"github.com/supnum/qarag/internal/profiling"
	"github.com/supnum/qarag/internal/ui"
	"github.com/supnum/qarag/pkg/indexer"
)

// maxListedRejections bounds the rejections printed in text output.
const maxListedRejections = 10

type ingestOptions struct {
	data        string
	batchSize   int
	concurrency int
	jsonOutput  bool
	noTUI       bool
}

func newIngestCmd() *cobra.Command {
	var opts ingestOptions

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Build the index bundle from a JSONL corpus",
		Long: `Build the index bundle from a JSONL corpus.

Each line is one record: {"question", "answer", "source", "tags"}.
Records without a question or an answer are rejected and reported;
they never abort the run. The new bundle replaces the previous one
atomically, so a running server keeps answering throughout.`,
		Example: `  qarag ingest --data data/qa.jsonl
  qarag ingest --data data/qa.jsonl --index-dir /srv/qarag/index --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runIngest(cmd.Context(), cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.data, "data", "d", "data/qa.jsonl", "JSONL corpus to ingest")
	cmd.Flags().IntVar(&opts.batchSize, "batch-size", 0, "Documents per provider call (overrides embeddings.batch_size)")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 0, "Concurrent provider calls (overrides embeddings.concurrency)")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Output the report as JSON")
	cmd.Flags().BoolVar(&opts.noTUI, "no-tui", false, "Disable TUI mode, use plain text progress")

	return cmd
}

func runIngest(ctx context.Context, cmd *cobra.Command, opts ingestOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	batchSize := cfg.Embeddings.BatchSize
	if opts.batchSize > 0 {
		batchSize = opts.batchSize
	}
	concurrency := cfg.Embeddings.Concurrency
	if opts.concurrency > 0 {
		concurrency = opts.concurrency
	}

	e, err := embed.NewEmbedder(ctx, cfg.EmbedConfig())
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()

	// Progress goes to stderr so --json output stays parseable.
	var renderer ui.Renderer = nopRenderer{}
	if !opts.jsonOutput {
		renderer = ui.NewRenderer(ui.NewConfig(cmd.ErrOrStderr(),
			ui.WithForcePlain(opts.noTUI),
			ui.WithDataPath(opts.data)))
	}
	if err := renderer.Start(ctx); err != nil {
		slog.Warn("failed to start progress renderer", slog.String("error", err.Error()))
	}
	defer func() { _ = renderer.Stop() }()

	slog.Info("ingest_started",
		slog.String("data", opts.data),
		slog.String("index_dir", cfg.Index.Dir),
		slog.String("model", e.ModelName()))

	report, err := indexer.Ingest(ctx, opts.data, cfg.Index.Dir, indexer.Options{
		Embedder:    e,
		BatchSize:   batchSize,
		Concurrency: concurrency,
		BM25:        cfg.BM25Params(),
		Stage: func(stage indexer.Stage, total int) {
			st := uiStage(stage)
			renderer.UpdateProgress(ui.ProgressEvent{Stage: st, Total: total, Message: stageMessage(st)})
		},
		Progress: func(done, total int) {
			renderer.UpdateProgress(ui.ProgressEvent{Stage: ui.StageEmbedding, Current: done, Total: total})
		},
		Logger: slog.Default(),
	})
	if err != nil {
		renderer.AddError(ui.ErrorEvent{Err: err})
		return err
	}
	for _, rej := range report.Rejections {
		renderer.AddError(ui.ErrorEvent{Line: rej.Line, Err: errors.New(rej.Reason), IsWarn: true})
	}
	renderer.Complete(ui.CompletionStats{
		Accepted: report.Accepted,
		Rejected: report.Rejected,
		Dir:      report.Dir,
		BundleID: report.BundleID,
		Duration: report.Duration,
		Embedder: ui.EmbedderInfo{
			Provider:   cfg.Embeddings.Provider,
			Model:      report.Model,
			Dimensions: report.Dim,
		},
	})
	// The summary goes to stdout once the progress display has let go of the terminal.
	_ = renderer.Stop()
	slog.Info("ingest_memory",
		slog.Int("accepted", report.Accepted),
		slog.String("heap_in_use", profiling.FormatBytes(profiling.HeapInUse())))

	if opts.jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	printIngestReport(output.New(cmd.OutOrStdout()), report)
	return nil
}

func uiStage(s indexer.Stage) ui.Stage {
	switch s {
	case indexer.StageValidate:
		return ui.StageValidating
	case indexer.StageEmbed:
		return ui.StageEmbedding
	default:
		return ui.StagePublishing
	}
}

func stageMessage(s ui.Stage) string {
	switch s {
	case ui.StageValidating:
		return "validating records"
	case ui.StageEmbedding:
		return "embedding documents"
	default:
		return "writing bundle"
	}
}

// nopRenderer discards progress when the report is written as JSON.
type nopRenderer struct{}

func (nopRenderer) Start(context.Context) error     { return nil }
func (nopRenderer) UpdateProgress(ui.ProgressEvent) {}
func (nopRenderer) AddError(ui.ErrorEvent)          {}
func (nopRenderer) Complete(ui.CompletionStats)     {}
func (nopRenderer) Stop() error                     { return nil }

func printIngestReport(out *output.Writer, r *indexer.Report) {
	out.Successf("Indexed %d records into %s", r.Accepted, r.Dir)
	out.KeyValue("bundle", r.BundleID)
	out.KeyValue("model", r.Model)
	out.KeyValue("dimensions", r.Dim)
	out.KeyValue("duration", r.Duration.Round(1e6))

	if r.Rejected == 0 {
		return
	}
	out.Newline()
	out.Warningf("%d records rejected", r.Rejected)
	for i, rej := range r.Rejections {
		if i == maxListedRejections {
			out.Status("", fmt.Sprintf("... and %d more (use --json for the full list)", r.Rejected-i))
			break
		}
		out.Status("", fmt.Sprintf("line %d: %s", rej.Line, rej.Reason))
	}
}

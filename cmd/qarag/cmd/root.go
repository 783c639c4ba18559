// Package cmd provides the CLI commands for qarag.
package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/supnum/qarag/internal/config"
	"github.com/supnum/qarag/internal/embed"
	qaerrors "github.com/supnum/qarag/internal/errors"
	"github.com/supnum/qarag/internal/logging"
	"github.com/supnum/qarag/internal/profiling"
	"github.com/supnum/qarag/internal/search"
	"github.com/supnum/qarag/internal/telemetry"
	"github.com/supnum/qarag/pkg/searcher"
	"github.com/supnum/qarag/pkg/version"
)

// Global flags
var (
	configPath string
	indexDir   string
	debugMode  bool
	logLevel   string

	profileOpts    profiling.Options
	profileSession *profiling.Session
	loggingCleanup func()
)

// NewRootCmd creates the root command for the qarag CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "qarag",
		Short: "Hybrid question/answer retrieval over a curated corpus",
		Long: `qarag answers questions from a curated Q/A corpus.

Each query is embedded and matched both semantically (exact inner product
over normalized vectors) and lexically (BM25). The two channels are
min-max normalized and fused; a confidence threshold flags weak matches.

Typical flow:
  qarag ingest --data data/qa.jsonl
  qarag search "capital of France"
  qarag serve`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("qarag version {{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file (default: .qarag.yaml in the working directory)")
	cmd.PersistentFlags().StringVar(&indexDir, "index-dir", "", "Index bundle directory (overrides index.dir)")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging to ~/.qarag/logs/ and stderr")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")

	cmd.PersistentFlags().StringVar(&profileOpts.CPU, "profile-cpu", "", "Write CPU profile to file")
	cmd.PersistentFlags().StringVar(&profileOpts.Heap, "profile-mem", "", "Write memory profile to file")
	cmd.PersistentFlags().StringVar(&profileOpts.Trace, "profile-trace", "", "Write execution trace to file")

	cmd.PersistentPreRunE = startProfilingAndLogging
	cmd.PersistentPostRunE = stopProfilingAndLogging

	cmd.AddCommand(newIngestCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newInfoCmd())
	cmd.AddCommand(newStatsCmd())
	cmd.AddCommand(newDoctorCmd())
	cmd.AddCommand(newEvalCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newLogsCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// startProfilingAndLogging installs the file logger as slog's default and
// starts any requested profiles. Without --log-level the configured
// server.log_level applies.
func startProfilingAndLogging(cmd *cobra.Command, _ []string) error {
	cfg := logging.DefaultConfig()
	cfg.Level = logLevel
	if !cmd.Flags().Changed("log-level") {
		if appCfg, err := loadConfig(); err == nil {
			cfg.Level = appCfg.Server.LogLevel
		}
	}
	cfg.WriteToStderr = false
	if debugMode {
		cfg.Level = "debug"
		cfg.WriteToStderr = true
	}

	logger, cleanup, err := logging.Setup(cfg)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	loggingCleanup = cleanup
	slog.SetDefault(logger)
	slog.Debug("logging_started",
		slog.String("log_file", cfg.FilePath),
		slog.String("version", version.Version))

	if profileOpts.Enabled() {
		session, err := profiling.Start(profileOpts)
		if err != nil {
			return err
		}
		profileSession = session
	}
	return nil
}

// stopProfilingAndLogging writes pending profiles and closes the log file.
func stopProfilingAndLogging(_ *cobra.Command, _ []string) error {
	var err error
	if profileSession != nil {
		err = profileSession.Stop()
		profileSession = nil
	}
	if loggingCleanup != nil {
		loggingCleanup()
		loggingCleanup = nil
	}
	if err != nil {
		return fmt.Errorf("failed to write profiles: %w", err)
	}
	return nil
}

// skipLogging is used by commands that must not open the log file.
func skipLogging(_ *cobra.Command, _ []string) error {
	return nil
}

// Execute runs the root command until it finishes or the process is
// interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := NewRootCmd().ExecuteContext(ctx)
	if err != nil {
		printError(os.Stderr, err)
	}
	return err
}

// printError prints structured errors with their hint and code.
func printError(w io.Writer, err error) {
	if _, ok := qaerrors.As(err); ok {
		_, _ = fmt.Fprint(w, qaerrors.FormatForCLI(err))
		return
	}
	_, _ = fmt.Fprintf(w, "Error: %s\n", err)
}

// loadConfig loads the effective configuration for the working directory
// and applies --index-dir.
func loadConfig() (*config.Config, error) {
	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}
	cfg, err := config.Load(wd, configPath)
	if err != nil {
		return nil, err
	}
	if indexDir != "" {
		cfg.Index.Dir = indexDir
	}
	return cfg, nil
}

// openTelemetry opens the query log. Telemetry problems never block a
// command: they are logged and the command runs without it.
func openTelemetry(cfg *config.Config) (*telemetry.QueryMetrics, func()) {
	noop := func() {}
	if !cfg.Telemetry.Enabled {
		return nil, noop
	}

	st, err := telemetry.OpenSQLite(cfg.TelemetryPath())
	if err != nil {
		slog.Warn("telemetry_disabled",
			slog.String("path", cfg.TelemetryPath()),
			slog.String("error", err.Error()))
		return nil, noop
	}

	m := telemetry.NewQueryMetrics(st, telemetry.DefaultConfig())
	return m, func() {
		if err := m.Close(); err != nil {
			slog.Warn("telemetry_flush_failed", slog.String("error", err.Error()))
		}
		_ = st.Close()
	}
}

// newRetriever wires the configured embedder, bundle holder and telemetry
// into a Retriever. The caller closes the retriever.
func newRetriever(ctx context.Context, cfg *config.Config, metrics *telemetry.QueryMetrics) (*searcher.Retriever, error) {
	e, err := embed.NewEmbedder(ctx, cfg.EmbedConfig())
	if err != nil {
		return nil, err
	}

	logger := slog.Default()
	holder := search.NewHolder(cfg.Index.Dir, search.WithHolderLogger(logger))

	opts := []searcher.Option{
		searcher.WithSearchOptions(cfg.SearchOptions()),
		searcher.WithConfidenceThreshold(cfg.Search.ConfidenceThreshold),
		searcher.WithQueryCache(cfg.Embeddings.CacheSize),
		searcher.WithLogger(logger),
	}
	if metrics != nil {
		opts = append(opts, searcher.WithRecorder(metrics))
	}

	r, err := searcher.NewRetriever(holder, e, opts...)
	if err != nil {
		_ = e.Close()
		return nil, err
	}
	return r, nil
}

package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/supnum/qarag/internal/config"
	"github.com/supnum/qarag/internal/embed"
	"github.com/supnum/qarag/internal/preflight"
)

// errDoctorFailed reports that at least one required check failed.
var errDoctorFailed = errors.New("system check failed")

type doctorOptions struct {
	verbose    bool
	jsonOutput bool
	offline    bool
}

func newDoctorCmd() *cobra.Command {
	var opts doctorOptions

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check that qarag can ingest and serve",
		Long: `Run diagnostics for the configured index directory and provider.

Checks:
  - Disk space next to the index directory (100MB minimum)
  - Write permission where the bundle is published
  - File descriptor limits (1024 minimum)
  - The published bundle loads and is complete
  - The embedding provider answers, with the bundle's dimension
  - The telemetry database opens

A missing bundle or telemetry problem is a warning. Use --offline to skip
the provider round trip.`,
		Example: `  qarag doctor
  qarag doctor --verbose
  qarag doctor --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDoctor(cmd.Context(), cmd, opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Show detailed diagnostic info")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().BoolVar(&opts.offline, "offline", false, "Skip the embedding provider check")

	return cmd
}

func runDoctor(ctx context.Context, cmd *cobra.Command, opts doctorOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	checkerOpts := []preflight.Option{
		preflight.WithVerbose(opts.verbose),
		preflight.WithOutput(cmd.OutOrStdout()),
	}
	if cfg.Telemetry.Enabled {
		checkerOpts = append(checkerOpts, preflight.WithTelemetryPath(cfg.TelemetryPath()))
	}
	if !opts.offline {
		e, err := embed.NewEmbedder(ctx, cfg.EmbedConfig())
		if err != nil {
			return err
		}
		defer func() { _ = e.Close() }()
		checkerOpts = append(checkerOpts, preflight.WithEmbedder(e))
	}

	checker := preflight.New(cfg.Index.Dir, checkerOpts...)
	results := checker.RunAll(ctx)
	slog.Info("doctor_complete",
		slog.String("status", checker.SummaryStatus(results)),
		slog.Int("checks", len(results)))

	if opts.jsonOutput {
		if err := writeDoctorJSON(cmd, cfg, checker, results); err != nil {
			return err
		}
	} else {
		checker.PrintResults(results)
	}

	if checker.HasCriticalFailures(results) {
		return errDoctorFailed
	}
	return nil
}

// DoctorOutput is the JSON output of qarag doctor.
type DoctorOutput struct {
	Status   string                  `json:"status"`
	IndexDir string                  `json:"index_dir"`
	Provider string                  `json:"provider"`
	Checks   []preflight.CheckResult `json:"checks"`
	Warnings []string                `json:"warnings,omitempty"`
	Errors   []string                `json:"errors,omitempty"`
}

func writeDoctorJSON(cmd *cobra.Command, cfg *config.Config, checker *preflight.Checker, results []preflight.CheckResult) error {
	out := DoctorOutput{
		Status:   checker.SummaryStatus(results),
		IndexDir: cfg.Index.Dir,
		Provider: cfg.Embeddings.Provider,
		Checks:   results,
	}
	for _, r := range results {
		if r.IsCritical() {
			out.Errors = append(out.Errors, r.Name+": "+r.Message)
		} else if r.Status != preflight.StatusPass {
			out.Warnings = append(out.Warnings, r.Name+": "+r.Message)
		}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

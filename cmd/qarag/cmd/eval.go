package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/supnum/qarag/internal/output"
	"github.com/supnum/qarag/internal/validation"
)

// errEvalFailed reports a suite run below its pass threshold.
var errEvalFailed = errors.New("evaluation below threshold")

func newEvalCmd() *cobra.Command {
	var (
		suitePath  string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Run a retrieval evaluation suite against the bundle",
		Long: `Run the queries of a YAML suite against the published bundle and
report which expected answers were found.

  tier1     the expected answer must rank first with confidence
  tier2     the expected answer must appear in the top k
  negative  the query must be rejected or flagged low confidence

The command fails when the Tier 1 pass rate is below min_pass_rate or any
negative query gets a confident answer. Queries are not recorded in
telemetry.`,
		Example: `  qarag eval --suite testdata/suite.yaml
  qarag eval --suite suite.yaml --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			suite, err := validation.LoadSuite(suitePath)
			if err != nil {
				return err
			}

			r, err := newRetriever(cmd.Context(), cfg, nil)
			if err != nil {
				return err
			}
			defer func() { _ = r.Close() }()

			bundle, err := r.Holder().Get(cmd.Context())
			if err != nil {
				return err
			}

			report, err := validation.NewValidator(r).RunAll(cmd.Context(), suite)
			if err != nil {
				return err
			}
			report.BundleID = bundle.Manifest.BundleID
			slog.Info("eval_complete",
				slog.String("suite", suitePath),
				slog.Int("queries", suite.Len()),
				slog.Bool("passed", report.Passed()))

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else {
				printEvalReport(output.New(cmd.OutOrStdout()), report)
			}

			if !report.Passed() {
				return errEvalFailed
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&suitePath, "suite", "s", "eval.yaml", "Suite file")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output the report as JSON")

	return cmd
}

func printEvalReport(out *output.Writer, r *validation.Report) {
	for _, res := range r.Results {
		name := res.Spec.ID
		if res.Spec.Name != "" {
			name += " " + res.Spec.Name
		}
		detail := fmt.Sprintf("rank %d, score %.3f", res.MatchedAt+1, res.Score)
		switch {
		case res.Error != "":
			detail = res.Error
		case res.MatchedAt < 0:
			detail = fmt.Sprintf("score %.3f", res.Score)
		}
		if res.Passed {
			out.Successf("[%s] %s (%s)", res.Tier, name, detail)
		} else {
			out.Errorf("[%s] %s (%s)", res.Tier, name, detail)
		}
	}

	out.Newline()
	out.KeyValue("tier1", formatTier(r.Tier1))
	out.KeyValue("tier2", formatTier(r.Tier2))
	out.KeyValue("negative", formatTier(r.Negative))
	if r.Passed() {
		out.Success("Evaluation passed")
	} else {
		out.Warningf("Evaluation failed (tier1 minimum %.0f%%)", r.MinPassRate*100)
	}
}

func formatTier(t validation.TierSummary) string {
	return fmt.Sprintf("%d/%d (%.0f%%)", t.Passed, t.Total, t.Rate()*100)
}

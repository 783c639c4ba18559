package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/supnum/qarag/internal/output"
	"github.com/supnum/qarag/internal/telemetry"
)

const statsDateFormat = "2006-01-02"

// maxListedNoMatch bounds the no-match queries printed in text output.
const maxListedNoMatch = 10

type statsOptions struct {
	days       int
	top        int
	jsonOutput bool
}

func newStatsCmd() *cobra.Command {
	var opts statsOptions

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show query telemetry",
		Long: `Show query telemetry recorded by search and serve:
  - Outcome distribution (found, low confidence, no match)
  - Average top score
  - Latency distribution
  - Top query terms
  - Recent queries without an answer

Unanswered queries are the best hint for what the corpus is missing.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStats(cmd.Context(), cmd, opts)
		},
	}

	cmd.Flags().IntVar(&opts.days, "days", 7, "Number of days to include")
	cmd.Flags().IntVar(&opts.top, "top", 10, "Number of top terms to show")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runStats(ctx context.Context, cmd *cobra.Command, opts statsOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	path := cfg.TelemetryPath()
	out := output.New(cmd.OutOrStdout())
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if opts.jsonOutput {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(emptySnapshot())
		}
		out.Status("📊", "No telemetry recorded yet.")
		out.Status("", fmt.Sprintf("Queries are recorded to %s by search and serve.", path))
		return nil
	}

	st, err := telemetry.OpenSQLite(path)
	if err != nil {
		return fmt.Errorf("failed to open telemetry: %w", err)
	}
	defer func() { _ = st.Close() }()

	days := max(opts.days, 1)
	to := time.Now()
	from := to.AddDate(0, 0, -(days - 1))
	snap, err := st.Summary(ctx, from.Format(statsDateFormat), to.Format(statsDateFormat), opts.top)
	if err != nil {
		return err
	}
	snap.Since = startOfDay(from)

	if opts.jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}
	printStats(out, snap, days)
	return nil
}

func emptySnapshot() *telemetry.Snapshot {
	return &telemetry.Snapshot{
		Outcomes:            map[telemetry.Outcome]int64{},
		TopTerms:            []telemetry.TermCount{},
		NoMatchQueries:      []string{},
		LatencyDistribution: map[telemetry.LatencyBucket]int64{},
	}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func printStats(out *output.Writer, s *telemetry.Snapshot, days int) {
	out.Statusf("📊", "Query telemetry (last %d days)", days)
	out.Newline()
	out.KeyValue("total queries", s.TotalQueries)
	if s.TotalQueries == 0 {
		return
	}
	out.KeyValue("found", percentOf(s.Outcomes[telemetry.OutcomeFound], s.TotalQueries))
	out.KeyValue("low confidence", percentOf(s.Outcomes[telemetry.OutcomeLowConfidence], s.TotalQueries))
	out.KeyValue("no match", percentOf(s.Outcomes[telemetry.OutcomeNoMatch], s.TotalQueries))
	out.KeyValue("avg top score", fmt.Sprintf("%.3f", s.AvgTopScore))

	out.Newline()
	out.Status("", "Latency:")
	for _, b := range []struct {
		bucket telemetry.LatencyBucket
		label  string
	}{
		{telemetry.BucketP10, "<10ms"},
		{telemetry.BucketP50, "10-50ms"},
		{telemetry.BucketP100, "50-100ms"},
		{telemetry.BucketP500, "100-500ms"},
		{telemetry.BucketP1000, ">=500ms"},
	} {
		out.KeyValue(b.label, s.LatencyDistribution[b.bucket])
	}

	if len(s.TopTerms) > 0 {
		out.Newline()
		out.Status("", "Top terms:")
		for _, tc := range s.TopTerms {
			out.KeyValue(tc.Term, tc.Count)
		}
	}

	if len(s.NoMatchQueries) > 0 {
		out.Newline()
		out.Warning("Recent queries without an answer:")
		for i, q := range s.NoMatchQueries {
			if i == maxListedNoMatch {
				break
			}
			out.Status("", "  "+q)
		}
	}
}

func percentOf(n, total int64) string {
	return fmt.Sprintf("%d (%.1f%%)", n, float64(n)/float64(total)*100)
}

package cmd

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/supnum/qarag/internal/output"
	"github.com/supnum/qarag/pkg/searcher"
)

// searchOptions holds CLI flags for search.
type searchOptions struct {
	k          int
	jsonOutput bool
	verbose    bool // show component scores
}

func newSearchCmd() *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Answer a question from the indexed corpus",
		Long: `Answer a question from the indexed corpus.

The best answer is printed first. Use -k to list more candidates and
--verbose to see each candidate's vector and lexical scores.

Examples:
  qarag search "capital of France"
  qarag search "what is 2+2" -k 3 --verbose
  qarag search "capital of France" --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			return runSearch(cmd.Context(), cmd, query, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.k, "k", "k", 1, "Number of candidates to return")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Output the result as JSON")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Show vector and lexical scores")

	return cmd
}

func runSearch(ctx context.Context, cmd *cobra.Command, query string, opts searchOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	metrics, closeTelemetry := openTelemetry(cfg)
	defer closeTelemetry()

	r, err := newRetriever(ctx, cfg, metrics)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	slog.Info("search_started", slog.String("query", query), slog.Int("k", opts.k))
	res, err := r.Retrieve(ctx, query, opts.k)
	if err != nil {
		return err
	}

	if opts.jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	printSearchResult(output.New(cmd.OutOrStdout()), res, opts.verbose)
	return nil
}

func printSearchResult(out *output.Writer, res *searcher.Result, verbose bool) {
	if !res.Found {
		out.Warningf("No answer found for %q", res.Query)
		return
	}

	for i, c := range res.Candidates {
		if i > 0 {
			out.Newline()
		}
		out.Answer(output.Answer{
			Rank:          i + 1,
			Score:         c.Score,
			VectorScore:   c.VectorScore,
			LexicalScore:  c.LexicalScore,
			Question:      c.Question,
			Answer:        c.Answer,
			Source:        c.Source,
			Tags:          c.Tags,
			LowConfidence: i == 0 && res.LowConfidence,
		}, verbose)
	}
}

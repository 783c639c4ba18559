package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/supnum/qarag/internal/output"
	"github.com/supnum/qarag/pkg/indexer"
)

func newInfoCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show the published bundle's manifest",
		Long: `Show the manifest of the bundle in the index directory: document
count, embedding model and dimensions, BM25 parameters and when it was
built. The bundle itself is not loaded.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			m, err := indexer.Stat(cfg.Index.Dir)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(m)
			}

			out := output.New(cmd.OutOrStdout())
			out.KeyValue("index dir", cfg.Index.Dir)
			out.KeyValue("bundle", m.BundleID)
			out.KeyValue("documents", m.Count)
			out.KeyValue("model", m.Model)
			out.KeyValue("dimensions", m.Dimensions)
			out.KeyValue("bm25 k1/b", formatBM25(m.BM25.K1, m.BM25.B))
			out.KeyValue("created", m.CreatedAt.Local().Format(time.DateTime))
			out.KeyValue("format", m.FormatVersion)
			out.KeyValue("artifacts", strings.Join(m.Artifacts, ", "))
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output the manifest as JSON")

	return cmd
}

func formatBM25(k1, b float64) string {
	return fmt.Sprintf("%g / %g", k1, b)
}

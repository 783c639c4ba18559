package mcp

import (
	"fmt"
	"strings"

	"github.com/supnum/qarag/pkg/searcher"
)

// FormatResult renders a retrieval result as markdown for the tool's text
// content.
func FormatResult(res *searcher.Result) string {
	if res == nil || !res.Found {
		query := ""
		if res != nil {
			query = res.Query
		}
		return fmt.Sprintf("No answer found for \"%s\"", query)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Answer for \"%s\"\n\n", res.Query))
	if res.LowConfidence {
		sb.WriteString("> Low confidence: the best match may not answer this question.\n\n")
	}
	sb.WriteString(res.Answer)
	sb.WriteString("\n\n")
	sb.WriteString(fmt.Sprintf("**Matched question:** %s\n", res.Question))
	sb.WriteString(fmt.Sprintf("**Score:** %.3f\n", res.Score))
	if res.Source != "" {
		sb.WriteString(fmt.Sprintf("**Source:** %s\n", res.Source))
	}
	if len(res.Tags) > 0 {
		sb.WriteString(fmt.Sprintf("**Tags:** %s\n", strings.Join(res.Tags, ", ")))
	}

	if len(res.Candidates) > 1 {
		sb.WriteString("\n### Other candidates\n\n")
		for i, c := range res.Candidates[1:] {
			sb.WriteString(fmt.Sprintf("%d. %s (score %.3f)\n", i+2, c.Question, c.Score))
		}
	}
	return sb.String()
}

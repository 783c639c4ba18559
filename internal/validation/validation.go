// Package validation runs a retrieval evaluation suite against a published
// bundle.
//
// Suites are data-driven YAML files so the expected answers can be changed
// without rebuilding. Tier 1 queries must be answered at rank one with
// confidence, Tier 2 queries only need the expected answer somewhere in the
// top k, and Negative queries must be rejected by the confidence gate.
package validation

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	qaerrors "github.com/supnum/qarag/internal/errors"
	"github.com/supnum/qarag/pkg/searcher"
)

// DefaultK is the candidate count used when a query does not set k.
const DefaultK = 3

// DefaultMinPassRate is the Tier 1 pass rate below which a run fails.
const DefaultMinPassRate = 0.5

// Tier identifies a query section.
type Tier int

const (
	// TierNegative queries must not produce a confident answer.
	TierNegative Tier = iota
	// Tier1 queries must be answered at rank one.
	Tier1
	// Tier2 queries must be answered within the top k.
	Tier2
)

// String returns the section name used in suite files.
func (t Tier) String() string {
	switch t {
	case Tier1:
		return "tier1"
	case Tier2:
		return "tier2"
	default:
		return "negative"
	}
}

// QuerySpec defines a test query with its expected answer.
type QuerySpec struct {
	ID     string `yaml:"id" json:"id"`
	Name   string `yaml:"name" json:"name"`
	Query  string `yaml:"query" json:"query"`
	Expect string `yaml:"expect" json:"expect,omitempty"` // substring of the expected answer
	Source string `yaml:"source" json:"source,omitempty"` // optional exact source
	K      int    `yaml:"k" json:"k,omitempty"`
	Notes  string `yaml:"notes" json:"notes,omitempty"`
	Tier   Tier   `yaml:"-" json:"-"`
}

// Suite holds every query of an evaluation run.
type Suite struct {
	MinPassRate float64     `yaml:"min_pass_rate"`
	Tier1       []QuerySpec `yaml:"tier1"`
	Tier2       []QuerySpec `yaml:"tier2"`
	Negative    []QuerySpec `yaml:"negative"`
}

// LoadSuite reads and validates a suite file.
func LoadSuite(path string) (*Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, qaerrors.New(qaerrors.ErrCodeFileNotFound, "suite file not found: "+path, err)
		}
		return nil, fmt.Errorf("failed to read suite %s: %w", path, err)
	}
	return ParseSuite(data)
}

// ParseSuite decodes a YAML suite, assigns tiers and fills defaults.
func ParseSuite(data []byte) (*Suite, error) {
	var s Suite
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, qaerrors.ValidationError("invalid suite YAML", err)
	}
	if s.MinPassRate == 0 {
		s.MinPassRate = DefaultMinPassRate
	}
	if s.MinPassRate < 0 || s.MinPassRate > 1 {
		return nil, qaerrors.ValidationError(
			fmt.Sprintf("min_pass_rate must be within [0, 1], got %g", s.MinPassRate), nil)
	}

	sections := []struct {
		tier  Tier
		specs []QuerySpec
	}{{Tier1, s.Tier1}, {Tier2, s.Tier2}, {TierNegative, s.Negative}}

	seen := make(map[string]bool)
	for _, sec := range sections {
		for i := range sec.specs {
			q := &sec.specs[i]
			q.Tier = sec.tier
			if q.ID == "" {
				q.ID = fmt.Sprintf("%s-%d", sec.tier, i+1)
			}
			if seen[q.ID] {
				return nil, qaerrors.ValidationError("duplicate query id "+q.ID, nil)
			}
			seen[q.ID] = true
			if q.K == 0 {
				q.K = DefaultK
			}
			if q.Tier != TierNegative && strings.TrimSpace(q.Expect) == "" {
				return nil, qaerrors.ValidationError(q.ID+": expect is required outside the negative section", nil)
			}
		}
	}
	return &s, nil
}

// Len returns the number of queries in the suite.
func (s *Suite) Len() int {
	return len(s.Tier1) + len(s.Tier2) + len(s.Negative)
}

// Retriever answers queries. *searcher.Retriever satisfies it.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) (*searcher.Result, error)
}

// TestResult captures the outcome of a single query.
type TestResult struct {
	Spec          QuerySpec     `json:"spec"`
	Tier          string        `json:"tier"`
	Passed        bool          `json:"passed"`
	Duration      time.Duration `json:"duration_ns"`
	TopAnswers    []string      `json:"top_answers"`
	MatchedAt     int           `json:"matched_at"` // rank of the first match, -1 if none
	Score         float64       `json:"score"`
	LowConfidence bool          `json:"low_confidence"`
	Error         string        `json:"error,omitempty"`
}

// TierSummary counts passes within one section.
type TierSummary struct {
	Passed int `json:"passed"`
	Total  int `json:"total"`
}

// Rate returns the pass rate, 1 for an empty section.
func (t TierSummary) Rate() float64 {
	if t.Total == 0 {
		return 1
	}
	return float64(t.Passed) / float64(t.Total)
}

// Report captures results of a full validation run.
type Report struct {
	Timestamp   time.Time    `json:"timestamp"`
	BundleID    string       `json:"bundle_id,omitempty"`
	MinPassRate float64      `json:"min_pass_rate"`
	Results     []TestResult `json:"results"`
	Tier1       TierSummary  `json:"tier1"`
	Tier2       TierSummary  `json:"tier2"`
	Negative    TierSummary  `json:"negative"`
}

// Passed reports whether the Tier 1 pass rate meets the minimum and every
// negative query was rejected.
func (r *Report) Passed() bool {
	return r.Tier1.Rate() >= r.MinPassRate && r.Negative.Passed == r.Negative.Total
}

// Validator runs suite queries against a Retriever.
type Validator struct {
	retriever Retriever
}

// NewValidator creates a validator over r.
func NewValidator(r Retriever) *Validator {
	return &Validator{retriever: r}
}

// RunQuery executes a single query and judges it by its tier.
func (v *Validator) RunQuery(ctx context.Context, spec QuerySpec) TestResult {
	start := time.Now()
	result := TestResult{
		Spec:      spec,
		Tier:      spec.Tier.String(),
		MatchedAt: -1,
	}

	res, err := v.retriever.Retrieve(ctx, spec.Query, spec.K)
	result.Duration = time.Since(start)
	if err != nil {
		// A rejected query is the expected outcome for negative input.
		if spec.Tier == TierNegative && qaerrors.IsKind(err, qaerrors.ErrCodeInvalidInput) {
			result.Passed = true
		}
		result.Error = err.Error()
		return result
	}

	result.Score = res.Score
	result.LowConfidence = res.LowConfidence
	for _, c := range res.Candidates {
		result.TopAnswers = append(result.TopAnswers, c.Answer)
	}

	if spec.Tier == TierNegative {
		result.Passed = !res.Found || res.LowConfidence
		return result
	}

	result.MatchedAt = matchRank(res.Candidates, spec)
	switch spec.Tier {
	case Tier1:
		result.Passed = result.MatchedAt == 0 && !res.LowConfidence
	case Tier2:
		result.Passed = result.MatchedAt >= 0
	}
	return result
}

// RunAll executes every suite query in order. It stops early only when ctx
// is canceled.
func (v *Validator) RunAll(ctx context.Context, s *Suite) (*Report, error) {
	report := &Report{
		Timestamp:   time.Now(),
		MinPassRate: s.MinPassRate,
	}

	for _, specs := range [][]QuerySpec{s.Tier1, s.Tier2, s.Negative} {
		for _, spec := range specs {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			tr := v.RunQuery(ctx, spec)
			report.Results = append(report.Results, tr)
			report.tally(spec.Tier, tr.Passed)
		}
	}
	return report, nil
}

func (r *Report) tally(t Tier, passed bool) {
	var sum *TierSummary
	switch t {
	case Tier1:
		sum = &r.Tier1
	case Tier2:
		sum = &r.Tier2
	default:
		sum = &r.Negative
	}
	sum.Total++
	if passed {
		sum.Passed++
	}
}

// matchRank returns the rank of the first candidate whose answer contains
// the expected text, case-insensitively, and whose source matches when one
// is given.
func matchRank(candidates []searcher.Candidate, spec QuerySpec) int {
	want := strings.ToLower(spec.Expect)
	for i, c := range candidates {
		if !strings.Contains(strings.ToLower(c.Answer), want) {
			continue
		}
		if spec.Source != "" && c.Source != spec.Source {
			continue
		}
		return i
	}
	return -1
}

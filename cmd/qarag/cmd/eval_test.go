package cmd

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qaerrors "github.com/supnum/qarag/internal/errors"
	"github.com/supnum/qarag/internal/validation"
)

const cliSuite = `tier1:
  - id: france
    query: capital of France
    expect: Paris
negative:
  - id: blank
    query: ""
`

func writeSuite(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "suite.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestEvalCmd_Passes(t *testing.T) {
	// Given: an ingested corpus and a suite
	dir := setupCLI(t)
	_, err := run(t, "ingest")
	require.NoError(t, err)
	suite := writeSuite(t, dir, cliSuite)

	// When: evaluating as JSON
	out, err := run(t, "eval", "--suite", suite, "--json")

	// Then: both queries pass and nothing is recorded in telemetry
	require.NoError(t, err)
	var report validation.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, validation.TierSummary{Passed: 1, Total: 1}, report.Tier1)
	assert.Equal(t, validation.TierSummary{Passed: 1, Total: 1}, report.Negative)
	assert.NotEmpty(t, report.BundleID)
	assert.NoFileExists(t, filepath.Join(dir, "telemetry.db"))
}

func TestEvalCmd_TextOutput(t *testing.T) {
	dir := setupCLI(t)
	_, err := run(t, "ingest")
	require.NoError(t, err)

	out, err := run(t, "eval", "--suite", writeSuite(t, dir, cliSuite))

	require.NoError(t, err)
	assert.Contains(t, out, "[tier1] france (rank 1, score ")
	assert.Contains(t, out, "1/1 (100%)")
	assert.Contains(t, out, "Evaluation passed")
}

func TestEvalCmd_FailsBelowThreshold(t *testing.T) {
	// Given: a suite expecting an answer the corpus does not hold
	dir := setupCLI(t)
	_, err := run(t, "ingest")
	require.NoError(t, err)
	suite := writeSuite(t, dir, "tier1:\n  - {id: moon, query: capital of France, expect: Berlin}\n")

	// When: evaluating
	out, err := run(t, "eval", "--suite", suite)

	// Then: the command fails after printing the report
	assert.ErrorIs(t, err, errEvalFailed)
	assert.Contains(t, out, "Evaluation failed")
}

func TestEvalCmd_WithoutIndex(t *testing.T) {
	dir := setupCLI(t)

	_, err := run(t, "eval", "--suite", writeSuite(t, dir, cliSuite))

	assert.True(t, qaerrors.IsKind(err, qaerrors.ErrCodeIndexNotFound), "got %v", err)
}

func TestEvalCmd_MissingSuite(t *testing.T) {
	setupCLI(t)

	_, err := run(t, "eval", "--suite", "missing.yaml")

	assert.True(t, qaerrors.IsKind(err, qaerrors.ErrCodeFileNotFound), "got %v", err)
}

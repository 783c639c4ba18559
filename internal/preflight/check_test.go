package preflight

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supnum/qarag/internal/embed"
	qaerrors "github.com/supnum/qarag/internal/errors"
	"github.com/supnum/qarag/internal/index"
	"github.com/supnum/qarag/internal/store"
)

func TestCheckStatus_String(t *testing.T) {
	tests := []struct {
		status CheckStatus
		want   string
	}{
		{StatusPass, "PASS"},
		{StatusWarn, "WARN"},
		{StatusFail, "FAIL"},
		{CheckStatus(9), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.String())
		})
	}
}

func TestCheckResult_JSONStatusByName(t *testing.T) {
	data, err := json.Marshal(CheckResult{Name: "disk_space", Status: StatusWarn})

	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":"warn"`)
}

func TestCheckResult_IsCritical(t *testing.T) {
	tests := []struct {
		name     string
		result   CheckResult
		expected bool
	}{
		{"required pass is not critical", CheckResult{Status: StatusPass, Required: true}, false},
		{"required fail is critical", CheckResult{Status: StatusFail, Required: true}, true},
		{"optional fail is not critical", CheckResult{Status: StatusFail, Required: false}, false},
		{"required warn is not critical", CheckResult{Status: StatusWarn, Required: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.result.IsCritical())
		})
	}
}

func TestChecker_NewWithOptions(t *testing.T) {
	// Given: custom options
	buf := &bytes.Buffer{}
	e := embed.NewStaticEmbedder(8)
	checker := New("data/index/", WithVerbose(true), WithOutput(buf), WithEmbedder(e), WithTelemetryPath("t.db"))

	// Then: options are applied and the directory is cleaned
	assert.Equal(t, "data/index", checker.indexDir)
	assert.True(t, checker.verbose)
	assert.Equal(t, buf, checker.output)
	assert.Equal(t, e, checker.embedder)
	assert.Equal(t, "t.db", checker.telemetryPath)
}

func TestChecker_SummaryAndCriticalFailures(t *testing.T) {
	checker := New("x")

	tests := []struct {
		name        string
		results     []CheckResult
		wantSummary string
		wantFailed  bool
	}{
		{"no results", []CheckResult{}, "ready", false},
		{"all pass", []CheckResult{{Status: StatusPass, Required: true}, {Status: StatusPass}}, "ready", false},
		{"warning only", []CheckResult{{Status: StatusPass}, {Status: StatusWarn}}, "ready_with_warnings", false},
		{"optional failure", []CheckResult{{Status: StatusPass}, {Status: StatusFail}}, "ready_with_warnings", false},
		{"required failure", []CheckResult{{Status: StatusPass}, {Status: StatusFail, Required: true}}, "failed", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantSummary, checker.SummaryStatus(tt.results))
			assert.Equal(t, tt.wantFailed, checker.HasCriticalFailures(tt.results))
		})
	}
}

func TestChecker_CheckWritePermissions(t *testing.T) {
	// Given: an index directory whose parents do not exist yet
	dir := filepath.Join(t.TempDir(), "a", "b", "index")

	// When: checking write permissions
	result := New(dir).CheckWritePermissions()

	// Then: the nearest existing ancestor is tested and left clean
	assert.Equal(t, StatusPass, result.Status)
	assert.True(t, result.Required)
	entries, err := os.ReadDir(filepath.Dir(filepath.Dir(filepath.Dir(dir))))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestChecker_CheckWritePermissions_ReadOnly(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("Skipping read-only test when running as root")
	}

	readOnly := filepath.Join(t.TempDir(), "readonly")
	require.NoError(t, os.Mkdir(readOnly, 0o555))
	defer func() { _ = os.Chmod(readOnly, 0o755) }()

	result := New(filepath.Join(readOnly, "index")).CheckWritePermissions()

	assert.Equal(t, StatusFail, result.Status)
	assert.Contains(t, result.Message, "permission denied")
}

func TestChecker_CheckDiskSpace(t *testing.T) {
	result := New(filepath.Join(t.TempDir(), "index")).CheckDiskSpace()

	assert.Equal(t, "disk_space", result.Name)
	assert.Contains(t, result.Message, "free")
}

func TestChecker_CheckFileDescriptors(t *testing.T) {
	result := New("x").CheckFileDescriptors()

	assert.Equal(t, "file_descriptors", result.Name)
	assert.Contains(t, result.Message, "minimum: 1024")
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 bytes", formatBytes(512))
	assert.Equal(t, "1.5 KB", formatBytes(1536))
	assert.Equal(t, "100.0 MB", formatBytes(MinDiskSpaceBytes))
	assert.Equal(t, "2.0 GB", formatBytes(2<<30))
}

func publish(t *testing.T, e embed.Embedder, raws ...index.RawRecord) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "index")
	_, err := index.NewBuilder(e, index.Options{}).Publish(context.Background(), index.FromRecords(raws), dir)
	require.NoError(t, err)
	return dir
}

func TestChecker_CheckBundle(t *testing.T) {
	e := embed.NewStaticEmbedder(0)

	t.Run("missing bundle warns", func(t *testing.T) {
		result := New(filepath.Join(t.TempDir(), "index")).CheckBundle()

		assert.Equal(t, StatusWarn, result.Status)
		assert.False(t, result.IsCritical())
		assert.Contains(t, result.Details, "qarag ingest")
	})

	t.Run("loadable bundle passes", func(t *testing.T) {
		dir := publish(t, e, index.RawRecord{Question: "What is the capital of France?", Answer: "Paris"})

		result := New(dir).CheckBundle()

		assert.Equal(t, StatusPass, result.Status)
		assert.Contains(t, result.Message, "1 documents")
		assert.Contains(t, result.Message, embed.StaticModelName)
	})

	t.Run("empty bundle warns", func(t *testing.T) {
		dir := publish(t, e)

		result := New(dir).CheckBundle()

		assert.Equal(t, StatusWarn, result.Status)
		assert.Contains(t, result.Message, "empty")
	})

	t.Run("corrupt bundle fails", func(t *testing.T) {
		dir := publish(t, e, index.RawRecord{Question: "q", Answer: "a"})
		require.NoError(t, os.Remove(filepath.Join(dir, store.VectorsFile)))

		result := New(dir).CheckBundle()

		assert.True(t, result.IsCritical())
		assert.Contains(t, result.Message, store.VectorsFile)
		assert.NotEmpty(t, result.Details)
	})
}

// failingEmbedder fails every call with err.
type failingEmbedder struct {
	embed.Embedder
	err error
}

func (f failingEmbedder) Embed(context.Context, string) ([]float32, error) { return nil, f.err }
func (f failingEmbedder) ModelName() string                               { return "broken" }

func TestChecker_CheckEmbedder(t *testing.T) {
	ctx := context.Background()
	records := []index.RawRecord{{Question: "What is 2+2?", Answer: "4"}}

	t.Run("no embedder is skipped", func(t *testing.T) {
		result := New("x").CheckEmbedder(ctx)

		assert.Equal(t, StatusWarn, result.Status)
		assert.False(t, result.Required)
	})

	t.Run("matching provider passes", func(t *testing.T) {
		e := embed.NewStaticEmbedder(0)
		dir := publish(t, e, records...)

		result := New(dir, WithEmbedder(e)).CheckEmbedder(ctx)

		assert.Equal(t, StatusPass, result.Status)
		assert.Contains(t, result.Message, "matches bundle")
	})

	t.Run("no bundle still embeds", func(t *testing.T) {
		result := New(filepath.Join(t.TempDir(), "index"), WithEmbedder(embed.NewStaticEmbedder(16))).CheckEmbedder(ctx)

		assert.Equal(t, StatusPass, result.Status)
		assert.Contains(t, result.Message, "16 dimensions")
	})

	t.Run("dimension mismatch fails", func(t *testing.T) {
		dir := publish(t, embed.NewStaticEmbedder(0), records...)

		result := New(dir, WithEmbedder(embed.NewStaticEmbedder(32))).CheckEmbedder(ctx)

		assert.True(t, result.IsCritical())
		assert.Contains(t, result.Message, "dimension mismatch")
	})

	t.Run("provider failure fails", func(t *testing.T) {
		e := failingEmbedder{err: qaerrors.ProviderTransient("503 from provider", nil)}

		result := New("x", WithEmbedder(e)).CheckEmbedder(ctx)

		assert.True(t, result.IsCritical())
		assert.Contains(t, result.Message, "broken unavailable")
		assert.Contains(t, result.Details, "transient")
	})
}

func TestChecker_CheckIngestLock(t *testing.T) {
	t.Run("missing parent passes without creating it", func(t *testing.T) {
		parent := filepath.Join(t.TempDir(), "absent")

		result := New(filepath.Join(parent, "index")).CheckIngestLock()

		assert.Equal(t, StatusPass, result.Status)
		assert.NoDirExists(t, parent)
	})

	t.Run("free lock passes and stays free", func(t *testing.T) {
		// Given: a published bundle nobody is writing
		dir := publish(t, embed.NewStaticEmbedder(0), index.RawRecord{Question: "q", Answer: "a"})

		// When: checking the lock
		result := New(dir).CheckIngestLock()

		// Then: it passes and an ingestion can still take the lock
		assert.Equal(t, StatusPass, result.Status)
		lock := store.NewIndexLock(dir)
		ok, err := lock.TryAcquire()
		require.NoError(t, err)
		assert.True(t, ok)
		require.NoError(t, lock.Release())
	})

	t.Run("held lock warns", func(t *testing.T) {
		// Given: an ingestion holding the lock
		dir := publish(t, embed.NewStaticEmbedder(0), index.RawRecord{Question: "q", Answer: "a"})
		held := store.NewIndexLock(dir)
		require.NoError(t, held.Acquire(context.Background()))
		defer func() { _ = held.Release() }()

		// When: checking the lock
		result := New(dir).CheckIngestLock()

		// Then: a non-critical warning names the lock file
		assert.Equal(t, StatusWarn, result.Status)
		assert.False(t, result.IsCritical())
		assert.Equal(t, "an ingestion is in progress", result.Message)
		assert.Contains(t, result.Details, held.Path())
	})
}

func TestChecker_CheckTelemetry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.db")

	result := New("x", WithTelemetryPath(path)).CheckTelemetry()
	assert.Equal(t, StatusPass, result.Status)
	assert.Equal(t, "no queries recorded yet", result.Message)

	require.NoError(t, os.WriteFile(path, []byte("not a database, just text padding to fill a page"), 0o644))
	result = New("x", WithTelemetryPath(path)).CheckTelemetry()
	assert.NotEqual(t, StatusFail, result.Status)
	assert.False(t, result.Required)
}

func TestChecker_RunAll(t *testing.T) {
	// Given: a published bundle and a matching provider
	e := embed.NewStaticEmbedder(0)
	dir := publish(t, e, index.RawRecord{Question: "q", Answer: "a"})
	checker := New(dir, WithEmbedder(e), WithTelemetryPath(filepath.Join(t.TempDir(), "t.db")))

	// When: running all checks
	results := checker.RunAll(context.Background())

	// Then: every check is reported
	names := make([]string, 0, len(results))
	for _, r := range results {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{"disk_space", "write_permissions", "file_descriptors", "index_bundle", "ingest_lock", "embedder", "telemetry"}, names)
}

func TestChecker_PrintResults(t *testing.T) {
	// Given: some check results
	results := []CheckResult{
		{Name: "disk_space", Status: StatusPass, Message: "50 GB free", Details: "Checked at: /tmp"},
		{Name: "index_bundle", Status: StatusWarn, Message: "no bundle published yet"},
		{Name: "embedder", Status: StatusFail, Message: "unavailable", Required: true},
	}
	buf := &bytes.Buffer{}
	checker := New("x", WithOutput(buf), WithVerbose(true))

	// When: printing results
	checker.PrintResults(results)

	// Then: output contains formatted results and the summary
	out := buf.String()
	assert.Contains(t, out, "[PASS] disk_space: 50 GB free")
	assert.Contains(t, out, "      Checked at: /tmp")
	assert.Contains(t, out, "[WARN]")
	assert.Contains(t, out, "[FAIL]")
	assert.Contains(t, out, "Status: FAILED")
	assert.Contains(t, out, "1 error(s):")
	assert.Contains(t, out, "1 warning(s):")
}

package preflight

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	qaerrors "github.com/supnum/qarag/internal/errors"
	"github.com/supnum/qarag/internal/store"
	"github.com/supnum/qarag/internal/telemetry"
)

// embedCheckTimeout bounds the provider round trip made by CheckEmbedder.
const embedCheckTimeout = 15 * time.Second

// CheckBundle loads the published bundle the way a server would. A missing
// bundle is a warning since ingestion creates it; a corrupt one fails.
func (c *Checker) CheckBundle() CheckResult {
	result := CheckResult{
		Name:     "index_bundle",
		Required: true,
	}

	b, err := store.LoadBundle(c.indexDir)
	switch {
	case qaerrors.IsKind(err, qaerrors.ErrCodeIndexNotFound):
		result.Status = StatusWarn
		result.Message = "no bundle published yet"
		result.Details = "Run 'qarag ingest --data <file.jsonl>' to build one"
		return result
	case err != nil:
		result.Status = StatusFail
		result.Message = err.Error()
		if qe, ok := qaerrors.As(err); ok && qe.Suggestion != "" {
			result.Details = qe.Suggestion
		}
		return result
	}

	m := b.Manifest
	result.Status = StatusPass
	result.Message = fmt.Sprintf("%d documents, %d dimensions (%s)", m.Count, m.Dimensions, m.Model)
	result.Details = fmt.Sprintf("Bundle %s at %s, built %s", m.BundleID, c.indexDir, m.CreatedAt.Format(time.RFC3339))
	if m.Count == 0 {
		result.Status = StatusWarn
		result.Message = "bundle is empty, every query will return no answer"
	}
	return result
}

// CheckEmbedder embeds a sample text and compares the provider with the
// published bundle. Queries against a bundle built with another dimension
// fail, so a mismatch is critical; another model name only warns.
func (c *Checker) CheckEmbedder(ctx context.Context) CheckResult {
	result := CheckResult{
		Name:     "embedder",
		Required: true,
	}
	if c.embedder == nil {
		result.Status = StatusWarn
		result.Message = "skipped, no provider configured"
		result.Required = false
		return result
	}

	ctx, cancel := context.WithTimeout(ctx, embedCheckTimeout)
	defer cancel()

	start := time.Now()
	vec, err := c.embedder.Embed(ctx, "preflight check")
	if err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("%s unavailable: %v", c.embedder.ModelName(), err)
		if qaerrors.IsRetryable(err) {
			result.Details = "The provider reported a transient failure; retry later"
		}
		return result
	}
	result.Details = fmt.Sprintf("Provider answered in %s", time.Since(start).Round(time.Millisecond))

	m, err := store.ReadManifest(c.indexDir)
	if err != nil {
		result.Status = StatusPass
		result.Message = fmt.Sprintf("%s, %d dimensions", c.embedder.ModelName(), len(vec))
		return result
	}
	if len(vec) != m.Dimensions {
		mismatch := qaerrors.DimensionMismatch(m.Dimensions, len(vec))
		result.Status = StatusFail
		result.Message = mismatch.Message
		result.Details = "Re-run 'qarag ingest' with the current provider, or configure the one the bundle was built with"
		return result
	}
	result.Message = fmt.Sprintf("%s, %d dimensions, matches bundle", c.embedder.ModelName(), len(vec))
	result.Status = StatusPass
	if m.Model != c.embedder.ModelName() {
		result.Status = StatusWarn
		result.Message = fmt.Sprintf("bundle was built with %s but provider is %s", m.Model, c.embedder.ModelName())
	}
	return result
}

// CheckTelemetry opens the telemetry database. Telemetry never blocks
// queries, so problems only warn.
func (c *Checker) CheckTelemetry() CheckResult {
	result := CheckResult{
		Name:     "telemetry",
		Required: false,
	}

	if _, err := os.Stat(c.telemetryPath); os.IsNotExist(err) {
		result.Status = StatusPass
		result.Message = "no queries recorded yet"
		result.Details = fmt.Sprintf("Database will be created at %s", c.telemetryPath)
		return result
	}

	st, err := telemetry.OpenSQLite(c.telemetryPath)
	if err != nil {
		result.Status = StatusWarn
		result.Message = fmt.Sprintf("cannot open database: %v", err)
		return result
	}
	_ = st.Close()

	result.Status = StatusPass
	result.Message = "OK"
	result.Details = c.telemetryPath
	return result
}

// CheckIngestLock reports whether an ingestion currently holds the lock of
// the bundle directory. The lock is taken without blocking and released at
// once.
func (c *Checker) CheckIngestLock() CheckResult {
	result := CheckResult{
		Name:     "ingest_lock",
		Required: false,
	}

	lock := store.NewIndexLock(c.indexDir)
	if _, err := os.Stat(filepath.Dir(lock.Path())); os.IsNotExist(err) {
		result.Status = StatusPass
		result.Message = "no ingestion running"
		return result
	}

	ok, err := lock.TryAcquire()
	if err != nil {
		result.Status = StatusWarn
		result.Message = fmt.Sprintf("cannot test lock: %v", err)
		result.Details = lock.Path()
		return result
	}
	if !ok {
		result.Status = StatusWarn
		result.Message = "an ingestion is in progress"
		result.Details = fmt.Sprintf("Lock held at %s; the bundle will be replaced when it finishes", lock.Path())
		return result
	}
	_ = lock.Release()

	result.Status = StatusPass
	result.Message = "no ingestion running"
	return result
}

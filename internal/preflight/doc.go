// Package preflight diagnoses whether qarag can ingest and serve before an
// operation runs.
//
// The package validates:
//   - Free disk space next to the index directory (minimum 100MB)
//   - Write permission where the bundle is published
//   - File descriptor limits (minimum 1024)
//   - The published bundle: present, complete and loadable
//   - The embedding provider: reachable, and agreeing with the bundle's
//     dimension and model
//   - The telemetry database
//
// Use the Checker type to run all validations:
//
//	checker := preflight.New("data/index", preflight.WithEmbedder(e))
//	results := checker.RunAll(ctx)
//	if checker.HasCriticalFailures(results) {
//	    // Handle failures
//	}
package preflight

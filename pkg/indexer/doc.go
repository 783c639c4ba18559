// Package indexer builds and publishes question/answer index bundles.
//
// # Architecture
//
// Ingestion is a single pass from a JSONL file to a published directory:
//
//	┌──────────────┐   ┌───────────────┐   ┌──────────────┐   ┌───────────┐
//	│ JSONL reader │──▶│   validate    │──▶│ embed batches│──▶│  publish  │
//	│ line numbers │   │ q + a present │   │  errgroup    │   │ dir swap  │
//	└──────────────┘   └───────────────┘   └──────────────┘   └───────────┘
//
// Invalid records are rejected, counted and reported, never indexed. Any
// other failure aborts the run and leaves the previously published bundle
// in place.
//
// # Usage
//
//	report, err := indexer.Ingest(ctx, "faq.jsonl", "./data/index", indexer.Options{
//	    Embedder: embedder,
//	})
//	if err != nil {
//	    return err
//	}
//	fmt.Printf("%d accepted, %d rejected\n", report.Accepted, report.Rejected)
//
// # Thread Safety
//
// Concurrent ingestions into the same directory serialize on a file lock.
package indexer

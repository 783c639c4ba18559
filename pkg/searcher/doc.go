// Package searcher answers questions against a published index bundle.
//
// A [Retriever] combines the pieces of the query path:
//
//	┌──────────────────────────────────────────────────────────────┐
//	│                          Retriever                           │
//	│  ┌──────────────┐   ┌───────────────────────┐   ┌─────────┐  │
//	│  │ search.Holder│──▶│      search.Ranker    │──▶│  Gate   │  │
//	│  │  lazy bundle │   │ vector ∥ BM25 → fuse  │   │ T=0.35  │  │
//	│  └──────────────┘   └───────────────────────┘   └─────────┘  │
//	└──────────────────────────────────────────────────────────────┘
//
// The bundle is loaded on the first query and shared by every caller. The
// ranker embeds the query and scores both channels in parallel, min-max
// normalizes each one and fuses them with alpha. The gate flags a top score
// under the threshold as low confidence without dropping it.
//
// # Usage
//
//	holder := search.NewHolder("./data/index")
//	r, err := searcher.NewRetriever(holder, embedder)
//	if err != nil {
//	    return err
//	}
//	res, err := r.Retrieve(ctx, "capital of France", 1)
//	if err != nil {
//	    return err
//	}
//	if !res.Found {
//	    // explicit no-match, not an error
//	}
//
// # Thread Safety
//
// A Retriever is safe for concurrent use.
package searcher

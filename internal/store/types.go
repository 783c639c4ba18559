// Package store holds the three aligned structures of an index bundle
// (dense vectors, BM25 statistics, record metadata) and their persistence.
//
// Row i of every structure describes the same document. Nothing in this
// package reorders, deduplicates or drops rows once they are added.
package store

// Artifact file names inside a bundle directory.
const (
	VectorsFile  = "vectors.bin"
	LexicalFile  = "lexical.bin"
	MetadataFile = "metadata.jsonl"
	ManifestFile = "manifest.json"
)

// Record is one ingested question/answer pair.
// Its position is implicit: the row it occupies in the bundle.
type Record struct {
	Question string   `json:"question"`
	Answer   string   `json:"answer"`
	Source   string   `json:"source"`
	Tags     []string `json:"tags"`
	DocText  string   `json:"doc_text"`
}

// ComposeDocText builds the text that is both embedded and tokenized for a record.
func ComposeDocText(question, answer string) string {
	return question + "\n" + answer
}

// VectorHit is one result of a dense vector search.
type VectorHit struct {
	Position int
	Score    float32 // raw inner product
}

// LexicalHit is one result of a BM25 query.
type LexicalHit struct {
	Position int
	Score    float64
}

// BM25Params configures BM25 scoring.
type BM25Params struct {
	K1 float64 `json:"k1"`
	B  float64 `json:"b"`
}

// DefaultBM25Params returns the usual k1=1.2, b=0.75.
func DefaultBM25Params() BM25Params {
	return BM25Params{K1: 1.2, B: 0.75}
}

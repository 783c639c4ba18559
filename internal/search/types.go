// Package search answers queries against a loaded index bundle. It runs the
// vector and lexical channels, normalizes each channel with min-max scaling
// and fuses them with a single alpha weight.
package search

import (
	"fmt"
	"math"

	qaerrors "github.com/supnum/qarag/internal/errors"
)

// Defaults for Options.
const (
	DefaultKVec     = 10
	DefaultKBM25    = 10
	DefaultTopFinal = 5
	DefaultAlpha    = 0.65
)

// Options configures one Retrieve call.
type Options struct {
	// KVec is how many nearest vectors the vector channel keeps.
	KVec int

	// KBM25 is how many lexical hits survive when LexicalPrefilter is set.
	KBM25 int

	// TopFinal caps the fused result list.
	TopFinal int

	// Alpha weights the vector channel; 1-Alpha weights the lexical channel.
	Alpha float64

	// LexicalPrefilter keeps only the top KBM25 lexical hits before fusion.
	// When false every corpus position enters the lexical channel.
	LexicalPrefilter bool
}

// DefaultOptions returns the defaults used by the query endpoint.
func DefaultOptions() Options {
	return Options{
		KVec:             DefaultKVec,
		KBM25:            DefaultKBM25,
		TopFinal:         DefaultTopFinal,
		Alpha:            DefaultAlpha,
		LexicalPrefilter: true,
	}
}

// Validate rejects options no query could run with.
func (o Options) Validate() error {
	switch {
	case o.KVec < 1:
		return qaerrors.ValidationError(fmt.Sprintf("k_vec must be >= 1, got %d", o.KVec), nil)
	case o.KBM25 < 1:
		return qaerrors.ValidationError(fmt.Sprintf("k_bm25 must be >= 1, got %d", o.KBM25), nil)
	case o.TopFinal < 1:
		return qaerrors.ValidationError(fmt.Sprintf("top_final must be >= 1, got %d", o.TopFinal), nil)
	case math.IsNaN(o.Alpha) || o.Alpha < 0 || o.Alpha > 1:
		return qaerrors.ValidationError(fmt.Sprintf("alpha must be within [0,1], got %v", o.Alpha), nil)
	}
	return nil
}

// Hit is one fused result. Raw and normalized channel scores are kept for
// explanation; a channel that did not retrieve the position reports zeros.
type Hit struct {
	Position     int     `json:"position"`
	Score        float64 `json:"score"`
	VectorScore  float64 `json:"vector_score"`
	VectorNorm   float64 `json:"vector_norm"`
	LexicalScore float64 `json:"lexical_score"`
	LexicalNorm  float64 `json:"lexical_norm"`
	InVector     bool    `json:"in_vector"`
	InLexical    bool    `json:"in_lexical"`
}

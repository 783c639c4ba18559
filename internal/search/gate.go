package search

// DefaultConfidenceThreshold is the fused score below which a top result is
// flagged as low confidence.
const DefaultConfidenceThreshold = 0.35

// Gate annotates the top fused score. It never removes results.
type Gate struct {
	Threshold float64
}

// NewGate returns a gate with the given threshold.
func NewGate(threshold float64) Gate {
	return Gate{Threshold: threshold}
}

// LowConfidence reports whether top is below the threshold.
func (g Gate) LowConfidence(top float64) bool {
	return top < g.Threshold
}

// Assess flags the first hit of a ranked list. An empty list is low
// confidence by definition.
func (g Gate) Assess(hits []Hit) bool {
	if len(hits) == 0 {
		return true
	}
	return g.LowConfidence(hits[0].Score)
}

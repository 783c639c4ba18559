package search

import (
	"sort"

	"github.com/supnum/qarag/internal/store"
)

// channelScore is one position retrieved by a channel.
type channelScore struct {
	position int
	raw      float64
}

// minMaxNormalize scales raw scores to [0,1] over the positions the channel
// retrieved. A channel whose scores are all equal (including a single hit)
// normalizes to 0 everywhere so it cannot fake full confidence.
func minMaxNormalize(scores []channelScore) map[int]float64 {
	out := make(map[int]float64, len(scores))
	if len(scores) == 0 {
		return out
	}

	lo, hi := scores[0].raw, scores[0].raw
	for _, s := range scores[1:] {
		lo = min(lo, s.raw)
		hi = max(hi, s.raw)
	}

	spread := hi - lo
	for _, s := range scores {
		if spread == 0 {
			out[s.position] = 0
			continue
		}
		out[s.position] = (s.raw - lo) / spread
	}
	return out
}

func vectorChannel(hits []store.VectorHit) []channelScore {
	out := make([]channelScore, len(hits))
	for i, h := range hits {
		out[i] = channelScore{position: h.Position, raw: float64(h.Score)}
	}
	return out
}

func lexicalChannel(hits []store.LexicalHit) []channelScore {
	out := make([]channelScore, len(hits))
	for i, h := range hits {
		out[i] = channelScore{position: h.Position, raw: h.Score}
	}
	return out
}

// fuse combines both channels over the union of their positions:
//
//	score(p) = alpha*vec_norm(p) + (1-alpha)*lex_norm(p)
//
// with 0 for a channel that did not retrieve p. Results are sorted by score
// descending, ties by ascending position, and cut to topFinal.
func fuse(vec, lex []channelScore, alpha float64, topFinal int) []Hit {
	if len(vec) == 0 && len(lex) == 0 {
		return []Hit{}
	}

	vecNorm := minMaxNormalize(vec)
	lexNorm := minMaxNormalize(lex)

	byPos := make(map[int]*Hit, len(vec)+len(lex))
	get := func(pos int) *Hit {
		if h, ok := byPos[pos]; ok {
			return h
		}
		h := &Hit{Position: pos}
		byPos[pos] = h
		return h
	}
	for _, s := range vec {
		h := get(s.position)
		h.InVector = true
		h.VectorScore = s.raw
		h.VectorNorm = vecNorm[s.position]
	}
	for _, s := range lex {
		h := get(s.position)
		h.InLexical = true
		h.LexicalScore = s.raw
		h.LexicalNorm = lexNorm[s.position]
	}

	hits := make([]Hit, 0, len(byPos))
	for _, h := range byPos {
		h.Score = alpha*h.VectorNorm + (1-alpha)*h.LexicalNorm
		hits = append(hits, *h)
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Position < hits[j].Position
	})

	if topFinal > 0 && len(hits) > topFinal {
		hits = hits[:topFinal]
	}
	return hits
}

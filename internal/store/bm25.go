package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/google/renameio"
	"github.com/klauspost/compress/zstd"

	qaerrors "github.com/supnum/qarag/internal/errors"
)

const lexicalFormatVersion = 1

type posting struct {
	position int
	count    int
}

// LexicalIndex is an exact BM25 index over a fixed, tokenized corpus.
// It is never mutated after BuildLexical returns and is safe for concurrent reads.
type LexicalIndex struct {
	params       BM25Params
	corpus       [][]string
	docLengths   []int
	avgDocLength float64
	docFreq      map[string]int
	inverted     map[string][]posting
}

// BuildLexical computes BM25 statistics over corpus, where corpus[i] is the
// token sequence of document i. Identical corpora yield identical statistics.
func BuildLexical(corpus [][]string, params BM25Params) *LexicalIndex {
	idx := &LexicalIndex{
		params:     params,
		corpus:     corpus,
		docLengths: make([]int, len(corpus)),
		docFreq:    make(map[string]int),
		inverted:   make(map[string][]posting),
	}

	var totalLength int
	for pos, tokens := range corpus {
		idx.docLengths[pos] = len(tokens)
		totalLength += len(tokens)

		tf := make(map[string]int, len(tokens))
		for _, t := range tokens {
			tf[t]++
		}
		for t, count := range tf {
			idx.docFreq[t]++
			idx.inverted[t] = append(idx.inverted[t], posting{position: pos, count: count})
		}
	}

	if len(corpus) > 0 {
		idx.avgDocLength = float64(totalLength) / float64(len(corpus))
	}

	// Postings were appended while ranging over a map; keep them in position order.
	for _, postings := range idx.inverted {
		sort.Slice(postings, func(i, j int) bool { return postings[i].position < postings[j].position })
	}

	return idx
}

// Len returns the number of documents in the corpus.
func (idx *LexicalIndex) Len() int {
	return len(idx.corpus)
}

// Corpus returns the tokens of document pos.
func (idx *LexicalIndex) Corpus(pos int) []string {
	return idx.corpus[pos]
}

// Params returns the scoring parameters.
func (idx *LexicalIndex) Params() BM25Params {
	return idx.params
}

// AvgDocLength returns the mean token count per document.
func (idx *LexicalIndex) AvgDocLength() float64 {
	return idx.avgDocLength
}

// DocFreq returns the number of documents containing term.
func (idx *LexicalIndex) DocFreq(term string) int {
	return idx.docFreq[term]
}

// TermCount returns the vocabulary size.
func (idx *LexicalIndex) TermCount() int {
	return len(idx.docFreq)
}

// Score returns one BM25 score per corpus document. Documents sharing no
// term with the query score 0. Scores are non-negative and unbounded.
// An empty corpus returns an empty map.
func (idx *LexicalIndex) Score(queryTokens []string) map[int]float64 {
	scores := make(map[int]float64, len(idx.corpus))
	if len(idx.corpus) == 0 {
		return scores
	}
	for pos := range idx.corpus {
		scores[pos] = 0
	}
	if idx.avgDocLength == 0 {
		return scores
	}

	k1, b := idx.params.K1, idx.params.B
	for _, t := range queryTokens {
		postings, ok := idx.inverted[t]
		if !ok {
			continue
		}

		idf := idx.idf(len(postings))
		for _, p := range postings {
			tf := float64(p.count)
			docLen := float64(idx.docLengths[p.position])

			num := tf * (k1 + 1)
			denom := tf + k1*(1-b+b*(docLen/idx.avgDocLength))
			scores[p.position] += idf * (num / denom)
		}
	}

	return scores
}

// TopK scores the query and returns the k best positions, highest first, ties
// by ascending position. k <= 0 returns every document.
func (idx *LexicalIndex) TopK(queryTokens []string, k int) []LexicalHit {
	scores := idx.Score(queryTokens)
	hits := make([]LexicalHit, 0, len(scores))
	for pos, s := range scores {
		hits = append(hits, LexicalHit{Position: pos, Score: s})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Position < hits[j].Position
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// idf = log(1 + (N - n + 0.5) / (n + 0.5)), always positive.
func (idx *LexicalIndex) idf(df int) float64 {
	n := float64(len(idx.corpus))
	d := float64(df)
	return math.Log(1 + (n-d+0.5)/(d+0.5))
}

// lexicalFile is the persisted form. Statistics are stored next to the
// corpus they were computed from so a load can verify them.
type lexicalFile struct {
	Version      int            `json:"version"`
	Params       BM25Params     `json:"params"`
	DocCount     int            `json:"doc_count"`
	AvgDocLength float64        `json:"avg_doc_length"`
	DocLengths   []int          `json:"doc_lengths"`
	DocFreq      map[string]int `json:"doc_freq"`
	Corpus       [][]string     `json:"corpus"`
}

// Save writes the index as zstd-compressed JSON, atomically replacing path.
func (idx *LexicalIndex) Save(path string) error {
	lf := lexicalFile{
		Version:      lexicalFormatVersion,
		Params:       idx.params,
		DocCount:     len(idx.corpus),
		AvgDocLength: idx.avgDocLength,
		DocLengths:   idx.docLengths,
		DocFreq:      idx.docFreq,
		Corpus:       idx.corpus,
	}

	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("create zstd encoder: %w", err)
	}
	if err := json.NewEncoder(enc).Encode(lf); err != nil {
		_ = enc.Close()
		return fmt.Errorf("encode lexical index: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("flush zstd encoder: %w", err)
	}

	if err := renameio.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write lexical index: %w", err)
	}
	return nil
}

// LoadLexical reads a lexical index and rebuilds its postings from the stored
// corpus. Stored statistics that disagree with the corpus are CorruptIndex.
func LoadLexical(path string) (*LexicalIndex, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, qaerrors.CorruptIndex("open lexical index", err).WithDetail("path", path)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, qaerrors.CorruptIndex("lexical index is not zstd data", err).WithDetail("path", path)
	}
	defer dec.Close()

	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, qaerrors.CorruptIndex("decompress lexical index", err).WithDetail("path", path)
	}

	var lf lexicalFile
	if err := json.Unmarshal(raw, &lf); err != nil {
		return nil, qaerrors.CorruptIndex("decode lexical index", err).WithDetail("path", path)
	}
	if lf.Version != lexicalFormatVersion {
		return nil, qaerrors.CorruptIndex(fmt.Sprintf("unsupported lexical index version %d", lf.Version), nil)
	}
	if lf.Corpus == nil {
		lf.Corpus = [][]string{}
	}

	idx := BuildLexical(lf.Corpus, lf.Params)
	if err := idx.verify(lf); err != nil {
		return nil, err
	}
	return idx, nil
}

func (idx *LexicalIndex) verify(lf lexicalFile) error {
	if lf.DocCount != len(idx.corpus) || len(lf.DocLengths) != len(idx.docLengths) {
		return qaerrors.CorruptIndex(fmt.Sprintf(
			"lexical index declares %d documents but stores %d", lf.DocCount, len(idx.corpus)), nil)
	}
	for i, l := range lf.DocLengths {
		if idx.docLengths[i] != l {
			return qaerrors.CorruptIndex(fmt.Sprintf("lexical document %d length mismatch", i), nil)
		}
	}
	if len(lf.DocFreq) != len(idx.docFreq) {
		return qaerrors.CorruptIndex("lexical vocabulary does not match corpus", nil)
	}
	for t, df := range lf.DocFreq {
		if idx.docFreq[t] != df {
			return qaerrors.CorruptIndex(fmt.Sprintf("document frequency mismatch for term %q", t), nil)
		}
	}
	if math.Abs(lf.AvgDocLength-idx.avgDocLength) > 1e-9 {
		return qaerrors.CorruptIndex("average document length mismatch", nil)
	}
	return nil
}

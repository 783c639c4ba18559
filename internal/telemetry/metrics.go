// Package telemetry records retrieval outcomes locally. Nothing is reported
// to any external service.
package telemetry

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/supnum/qarag/internal/store"
)

// Outcome classifies how a query was answered.
type Outcome string

const (
	OutcomeFound         Outcome = "found"
	OutcomeLowConfidence Outcome = "low_confidence"
	OutcomeNoMatch       Outcome = "no_match"
)

// LatencyBucket is a latency histogram bucket.
type LatencyBucket string

const (
	BucketP10   LatencyBucket = "p10"   // <10ms
	BucketP50   LatencyBucket = "p50"   // 10-50ms
	BucketP100  LatencyBucket = "p100"  // 50-100ms
	BucketP500  LatencyBucket = "p500"  // 100-500ms
	BucketP1000 LatencyBucket = "p1000" // >=500ms
)

// LatencyToBucket converts a duration to its histogram bucket.
func LatencyToBucket(d time.Duration) LatencyBucket {
	ms := d.Milliseconds()
	switch {
	case ms < 10:
		return BucketP10
	case ms < 50:
		return BucketP50
	case ms < 100:
		return BucketP100
	case ms < 500:
		return BucketP500
	default:
		return BucketP1000
	}
}

// QueryEvent is one answered query.
type QueryEvent struct {
	Query         string
	Found         bool
	LowConfidence bool
	TopScore      float64
	Latency       time.Duration
	Timestamp     time.Time
}

// Outcome derives the event's outcome.
func (e QueryEvent) Outcome() Outcome {
	switch {
	case !e.Found:
		return OutcomeNoMatch
	case e.LowConfidence:
		return OutcomeLowConfidence
	default:
		return OutcomeFound
	}
}

// CircularBuffer is a fixed-capacity FIFO buffer.
type CircularBuffer[T any] struct {
	items []T
	head  int
	size  int
	mu    sync.RWMutex
}

// NewCircularBuffer creates a buffer holding at most capacity items.
func NewCircularBuffer[T any](capacity int) *CircularBuffer[T] {
	if capacity <= 0 {
		capacity = 100
	}
	return &CircularBuffer[T]{items: make([]T, capacity)}
}

// Add appends item, evicting the oldest when full.
func (b *CircularBuffer[T]) Add(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[b.head] = item
	b.head = (b.head + 1) % len(b.items)
	if b.size < len(b.items) {
		b.size++
	}
}

// Items returns the buffered items, oldest first.
func (b *CircularBuffer[T]) Items() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]T, 0, b.size)
	start := (b.head - b.size + len(b.items)) % len(b.items)
	for i := 0; i < b.size; i++ {
		out = append(out, b.items[(start+i)%len(b.items)])
	}
	return out
}

// Size returns the number of buffered items.
func (b *CircularBuffer[T]) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// TermCount is a query term and how often it was asked.
type TermCount struct {
	Term  string `json:"term"`
	Count int64  `json:"count"`
}

// ExtractTerms returns the query's lexical tokens, the same ones the
// ranker scores. Single-rune tokens are dropped.
func ExtractTerms(query string) []string {
	var terms []string
	for _, tok := range store.Tokenize(query) {
		if len([]rune(tok)) >= 2 {
			terms = append(terms, tok)
		}
	}
	return terms
}

// Snapshot is an immutable view of recorded metrics.
type Snapshot struct {
	TotalQueries        int64                   `json:"total_queries"`
	Outcomes            map[Outcome]int64       `json:"outcomes"`
	TopTerms            []TermCount             `json:"top_terms"`
	NoMatchQueries      []string                `json:"no_match_queries"`
	LatencyDistribution map[LatencyBucket]int64 `json:"latency_distribution"`
	AvgTopScore         float64                 `json:"avg_top_score"`
	Since               time.Time               `json:"since"`
}

// NoMatchPercentage returns the share of queries without a result.
func (s *Snapshot) NoMatchPercentage() float64 {
	if s.TotalQueries == 0 {
		return 0
	}
	return float64(s.Outcomes[OutcomeNoMatch]) / float64(s.TotalQueries) * 100
}

// MetricsStore persists aggregated metrics.
type MetricsStore interface {
	SaveOutcomeCounts(date string, counts map[Outcome]int64) error
	UpsertTermCounts(terms map[string]int64) error
	AddNoMatchQuery(query string, at time.Time) error
	SaveLatencyCounts(date string, counts map[LatencyBucket]int64) error
	SaveScoreSum(date string, sum float64, n int64) error
}

// Config tunes QueryMetrics.
type Config struct {
	TopTermsCapacity int
	NoMatchCapacity  int
	FlushInterval    time.Duration
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		TopTermsCapacity: 200,
		NoMatchCapacity:  100,
		FlushInterval:    time.Minute,
	}
}

// QueryMetrics aggregates query events in memory and periodically flushes
// the increments since the last flush to a MetricsStore. Safe for
// concurrent use.
type QueryMetrics struct {
	mu sync.Mutex

	// lifetime aggregates for Snapshot
	total     int64
	outcomes  map[Outcome]int64
	terms     *lru.Cache[string, int64]
	noMatch   *CircularBuffer[string]
	latencies map[LatencyBucket]int64
	scoreSum  float64
	scored    int64
	since     time.Time

	// increments not yet flushed
	pending pendingCounts

	store  MetricsStore
	ticker *time.Ticker
	stopCh chan struct{}
	closed bool
}

type pendingCounts struct {
	outcomes  map[Outcome]int64
	terms     map[string]int64
	noMatch   []QueryEvent
	latencies map[LatencyBucket]int64
	scoreSum  float64
	scored    int64
}

func newPending() pendingCounts {
	return pendingCounts{
		outcomes:  make(map[Outcome]int64),
		terms:     make(map[string]int64),
		latencies: make(map[LatencyBucket]int64),
	}
}

// NewQueryMetrics creates a collector. A nil store keeps metrics in memory.
func NewQueryMetrics(s MetricsStore, cfg Config) *QueryMetrics {
	def := DefaultConfig()
	if cfg.TopTermsCapacity <= 0 {
		cfg.TopTermsCapacity = def.TopTermsCapacity
	}
	if cfg.NoMatchCapacity <= 0 {
		cfg.NoMatchCapacity = def.NoMatchCapacity
	}

	terms, _ := lru.New[string, int64](cfg.TopTermsCapacity)
	m := &QueryMetrics{
		outcomes:  make(map[Outcome]int64),
		terms:     terms,
		noMatch:   NewCircularBuffer[string](cfg.NoMatchCapacity),
		latencies: make(map[LatencyBucket]int64),
		since:     time.Now(),
		pending:   newPending(),
		store:     s,
		stopCh:    make(chan struct{}),
	}

	if cfg.FlushInterval > 0 && s != nil {
		m.ticker = time.NewTicker(cfg.FlushInterval)
		go m.flushLoop()
	}
	return m
}

func (m *QueryMetrics) flushLoop() {
	for {
		select {
		case <-m.ticker.C:
			if err := m.Flush(); err != nil {
				slog.Warn("telemetry_flush_failed", slog.String("error", err.Error()))
			}
		case <-m.stopCh:
			return
		}
	}
}

// Record adds one event. It never blocks on storage.
func (m *QueryMetrics) Record(e QueryEvent) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	outcome := e.Outcome()
	bucket := LatencyToBucket(e.Latency)

	m.total++
	m.outcomes[outcome]++
	m.latencies[bucket]++
	m.pending.outcomes[outcome]++
	m.pending.latencies[bucket]++

	for _, term := range ExtractTerms(e.Query) {
		n, _ := m.terms.Get(term)
		m.terms.Add(term, n+1)
		m.pending.terms[term]++
	}

	if outcome == OutcomeNoMatch {
		m.noMatch.Add(e.Query)
		m.pending.noMatch = append(m.pending.noMatch, e)
	} else {
		m.scoreSum += e.TopScore
		m.scored++
		m.pending.scoreSum += e.TopScore
		m.pending.scored++
	}
}

// Snapshot returns the aggregates since the collector started.
func (m *QueryMetrics) Snapshot() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	outcomes := make(map[Outcome]int64, len(m.outcomes))
	for k, v := range m.outcomes {
		outcomes[k] = v
	}
	latencies := make(map[LatencyBucket]int64, len(m.latencies))
	for k, v := range m.latencies {
		latencies[k] = v
	}

	top := make([]TermCount, 0, m.terms.Len())
	for _, key := range m.terms.Keys() {
		if n, ok := m.terms.Peek(key); ok {
			top = append(top, TermCount{Term: key, Count: n})
		}
	}
	sortTerms(top)

	var avg float64
	if m.scored > 0 {
		avg = m.scoreSum / float64(m.scored)
	}

	return &Snapshot{
		TotalQueries:        m.total,
		Outcomes:            outcomes,
		TopTerms:            top,
		NoMatchQueries:      m.noMatch.Items(),
		LatencyDistribution: latencies,
		AvgTopScore:         avg,
		Since:               m.since,
	}
}

func sortTerms(terms []TermCount) {
	sort.Slice(terms, func(i, j int) bool {
		if terms[i].Count != terms[j].Count {
			return terms[i].Count > terms[j].Count
		}
		return terms[i].Term < terms[j].Term
	})
}

// Flush writes the increments recorded since the previous flush.
func (m *QueryMetrics) Flush() error {
	if m.store == nil {
		return nil
	}

	m.mu.Lock()
	p := m.pending
	m.pending = newPending()
	m.mu.Unlock()

	today := time.Now().Format("2006-01-02")
	if err := m.store.SaveOutcomeCounts(today, p.outcomes); err != nil {
		return err
	}
	if err := m.store.UpsertTermCounts(p.terms); err != nil {
		return err
	}
	for _, e := range p.noMatch {
		if err := m.store.AddNoMatchQuery(e.Query, e.Timestamp); err != nil {
			return err
		}
	}
	if err := m.store.SaveLatencyCounts(today, p.latencies); err != nil {
		return err
	}
	if p.scored > 0 {
		if err := m.store.SaveScoreSum(today, p.scoreSum, p.scored); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the flush loop and flushes once more.
func (m *QueryMetrics) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	if m.ticker != nil {
		m.ticker.Stop()
		close(m.stopCh)
	}
	return m.Flush()
}

package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// maxNoMatchRows bounds the persisted no-match query log.
const maxNoMatchRows = 100

const schema = `
CREATE TABLE IF NOT EXISTS outcome_stats (
	date TEXT NOT NULL,
	outcome TEXT NOT NULL,
	count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (date, outcome)
);

CREATE TABLE IF NOT EXISTS query_terms (
	term TEXT PRIMARY KEY,
	count INTEGER NOT NULL DEFAULT 1,
	last_seen TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_query_terms_count ON query_terms(count DESC);

CREATE TABLE IF NOT EXISTS no_match_queries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	query TEXT NOT NULL,
	timestamp TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS latency_stats (
	date TEXT NOT NULL,
	bucket TEXT NOT NULL,
	count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (date, bucket)
);

CREATE TABLE IF NOT EXISTS score_stats (
	date TEXT PRIMARY KEY,
	score_sum REAL NOT NULL DEFAULT 0,
	scored INTEGER NOT NULL DEFAULT 0
);
`

// SQLiteStore persists metrics in a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the telemetry database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create telemetry directory: %w", err)
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open telemetry database: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create telemetry schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// SaveOutcomeCounts adds counts to the day's outcome totals.
func (s *SQLiteStore) SaveOutcomeCounts(date string, counts map[Outcome]int64) error {
	return s.upsertCounts(`
		INSERT INTO outcome_stats (date, outcome, count)
		VALUES (?, ?, ?)
		ON CONFLICT(date, outcome) DO UPDATE SET count = count + excluded.count
	`, date, toAny(counts))
}

// SaveLatencyCounts adds counts to the day's latency histogram.
func (s *SQLiteStore) SaveLatencyCounts(date string, counts map[LatencyBucket]int64) error {
	return s.upsertCounts(`
		INSERT INTO latency_stats (date, bucket, count)
		VALUES (?, ?, ?)
		ON CONFLICT(date, bucket) DO UPDATE SET count = count + excluded.count
	`, date, toAny(counts))
}

func toAny[K ~string](m map[K]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[string(k)] = v
	}
	return out
}

func (s *SQLiteStore) upsertCounts(query, date string, counts map[string]int64) error {
	if len(counts) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(query)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for key, n := range counts {
		if _, err := stmt.Exec(date, key, n); err != nil {
			return fmt.Errorf("upsert %s: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// UpsertTermCounts adds term frequencies.
func (s *SQLiteStore) UpsertTermCounts(terms map[string]int64) error {
	if len(terms) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO query_terms (term, count, last_seen)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(term) DO UPDATE SET
			count = count + excluded.count,
			last_seen = CURRENT_TIMESTAMP
	`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for term, n := range terms {
		if _, err := stmt.Exec(term, n); err != nil {
			return fmt.Errorf("upsert term count: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// AddNoMatchQuery logs a query that found nothing, keeping the newest rows.
func (s *SQLiteStore) AddNoMatchQuery(query string, at time.Time) error {
	if _, err := s.db.Exec(`INSERT INTO no_match_queries (query, timestamp) VALUES (?, ?)`,
		query, at.UTC()); err != nil {
		return fmt.Errorf("insert no-match query: %w", err)
	}
	if _, err := s.db.Exec(`
		DELETE FROM no_match_queries
		WHERE id NOT IN (SELECT id FROM no_match_queries ORDER BY id DESC LIMIT ?)
	`, maxNoMatchRows); err != nil {
		return fmt.Errorf("trim no-match queries: %w", err)
	}
	return nil
}

// SaveScoreSum accumulates top scores of answered queries for averaging.
func (s *SQLiteStore) SaveScoreSum(date string, sum float64, n int64) error {
	_, err := s.db.Exec(`
		INSERT INTO score_stats (date, score_sum, scored)
		VALUES (?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			score_sum = score_sum + excluded.score_sum,
			scored = scored + excluded.scored
	`, date, sum, n)
	if err != nil {
		return fmt.Errorf("save score sum: %w", err)
	}
	return nil
}

// Summary reads persisted metrics between from and to (YYYY-MM-DD, inclusive).
func (s *SQLiteStore) Summary(ctx context.Context, from, to string, topTerms int) (*Snapshot, error) {
	snap := &Snapshot{
		Outcomes:            make(map[Outcome]int64),
		LatencyDistribution: make(map[LatencyBucket]int64),
		TopTerms:            []TermCount{},
		NoMatchQueries:      []string{},
	}

	outcomes, err := s.sumByKey(ctx, `
		SELECT outcome, SUM(count) FROM outcome_stats
		WHERE date >= ? AND date <= ? GROUP BY outcome`, from, to)
	if err != nil {
		return nil, err
	}
	for k, v := range outcomes {
		snap.Outcomes[Outcome(k)] = v
		snap.TotalQueries += v
	}

	latencies, err := s.sumByKey(ctx, `
		SELECT bucket, SUM(count) FROM latency_stats
		WHERE date >= ? AND date <= ? GROUP BY bucket`, from, to)
	if err != nil {
		return nil, err
	}
	for k, v := range latencies {
		snap.LatencyDistribution[LatencyBucket(k)] = v
	}

	var sum sql.NullFloat64
	var n sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `
		SELECT SUM(score_sum), SUM(scored) FROM score_stats
		WHERE date >= ? AND date <= ?`, from, to).Scan(&sum, &n); err != nil {
		return nil, fmt.Errorf("query score stats: %w", err)
	}
	if n.Valid && n.Int64 > 0 {
		snap.AvgTopScore = sum.Float64 / float64(n.Int64)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT term, count FROM query_terms ORDER BY count DESC, term ASC LIMIT ?`, topTerms)
	if err != nil {
		return nil, fmt.Errorf("query top terms: %w", err)
	}
	for rows.Next() {
		var tc TermCount
		if err := rows.Scan(&tc.Term, &tc.Count); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan row: %w", err)
		}
		snap.TopTerms = append(snap.TopTerms, tc)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT query FROM no_match_queries ORDER BY id DESC LIMIT ?`, maxNoMatchRows)
	if err != nil {
		return nil, fmt.Errorf("query no-match queries: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var q string
		if err := rows.Scan(&q); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		snap.NoMatchQueries = append(snap.NoMatchQueries, q)
	}
	return snap, rows.Err()
}

func (s *SQLiteStore) sumByKey(ctx context.Context, query, from, to string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out[key] = n
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

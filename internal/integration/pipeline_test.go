// Package integration exercises the whole pipeline: JSONL ingestion, the
// HTTP and MCP surfaces, hot reload and query telemetry.
package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supnum/qarag/internal/embed"
	"github.com/supnum/qarag/internal/mcp"
	"github.com/supnum/qarag/internal/search"
	"github.com/supnum/qarag/internal/server"
	"github.com/supnum/qarag/internal/telemetry"
	"github.com/supnum/qarag/pkg/indexer"
	"github.com/supnum/qarag/pkg/searcher"
)

const firstCorpus = `{"question": "What is 2+2?", "answer": "4"}
{"question": "What is the capital of France?", "answer": "Paris", "source": "geo", "tags": ["geo"]}
{"question": "Who wrote Hamlet?"}
`

const secondCorpus = `{"question": "What is 2+2?", "answer": "4"}
{"question": "What is the capital of France?", "answer": "Paris, on the Seine", "source": "geo", "tags": ["geo"]}
{"question": "Who wrote Hamlet?", "answer": "Shakespeare", "source": "lit"}
`

// pipeline is one ingested corpus served over HTTP and MCP.
type pipeline struct {
	dataPath string
	indexDir string
	embedder embed.Embedder
	holder   *search.Holder
	http     *httptest.Server
	mcp      *mcp.Server
}

func newPipeline(t *testing.T, corpus string) *pipeline {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	dir := t.TempDir()
	p := &pipeline{
		dataPath: filepath.Join(dir, "qa.jsonl"),
		indexDir: filepath.Join(dir, "index"),
		embedder: embed.NewStaticEmbedder(0),
	}
	report := p.ingest(t, corpus)
	require.Equal(t, 2, report.Accepted)
	require.Equal(t, 1, report.Rejected)

	p.holder = search.NewHolder(p.indexDir, search.WithReloadDebounce(20*time.Millisecond))
	r, err := searcher.NewRetriever(p.holder, p.embedder)
	require.NoError(t, err)

	srv, err := server.New(r)
	require.NoError(t, err)
	p.http = httptest.NewServer(srv.Handler())
	t.Cleanup(p.http.Close)

	p.mcp, err = mcp.NewServer(r, nil)
	require.NoError(t, err)
	return p
}

func (p *pipeline) ingest(t *testing.T, corpus string) *indexer.Report {
	t.Helper()
	require.NoError(t, os.WriteFile(p.dataPath, []byte(corpus), 0o644))
	report, err := indexer.Ingest(context.Background(), p.dataPath, p.indexDir, indexer.Options{Embedder: p.embedder})
	require.NoError(t, err)
	return report
}

func (p *pipeline) retrieve(t *testing.T, query string) server.RetrieveResponse {
	t.Helper()
	resp, err := http.Get(p.http.URL + "/retrieve?query=" + url.QueryEscape(query))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body server.RetrieveResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func (p *pipeline) watch(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.holder.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	time.Sleep(50 * time.Millisecond)
}

func TestPipeline_HTTPAndMCPAgree(t *testing.T) {
	// Given: a corpus ingested from JSONL and served both ways
	p := newPipeline(t, firstCorpus)

	// When: the same question goes over HTTP and MCP
	body := p.retrieve(t, "capital of France")
	out, err := p.mcp.CallTool(context.Background(), "retrieve", map[string]any{"query": "capital of France"})

	// Then: both return Paris from the same bundle
	require.NoError(t, err)
	res, ok := out.(mcp.RetrieveOutput)
	require.True(t, ok)
	assert.True(t, body.Found)
	assert.Equal(t, "Paris", body.Result.Answer)
	assert.Equal(t, body.Result.Answer, res.Result.Answer)
	assert.InDelta(t, body.Result.Score, res.Result.Score, 1e-9)
	assert.Equal(t, int64(1), p.holder.Loads())
}

func TestPipeline_RejectedRecordNeverServed(t *testing.T) {
	p := newPipeline(t, firstCorpus)

	body := p.retrieve(t, "Who wrote Hamlet?")

	assert.NotEqual(t, "Who wrote Hamlet?", body.Result.Question)
	assert.NotEmpty(t, body.Result.Answer)
}

func TestPipeline_ReingestHotReloads(t *testing.T) {
	// Given: a served bundle with a watching holder
	p := newPipeline(t, firstCorpus)
	before := p.retrieve(t, "capital of France")
	require.Equal(t, "Paris", before.Result.Answer)
	first := p.holder.Current().Manifest.BundleID
	p.watch(t)

	// When: the corpus is fixed and ingested again
	report := p.ingest(t, secondCorpus)
	require.Equal(t, 3, report.Accepted)

	// Then: the server answers from the new bundle without a restart
	require.Eventually(t, func() bool {
		cur := p.holder.Current()
		return cur != nil && cur.Manifest.BundleID != first
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "Shakespeare", p.retrieve(t, "Who wrote Hamlet?").Result.Answer)
	assert.Equal(t, "Paris, on the Seine", p.retrieve(t, "capital of France").Result.Answer)
}

func TestPipeline_QueriesDuringReloadNeverFail(t *testing.T) {
	// Given: a served bundle
	p := newPipeline(t, firstCorpus)
	p.retrieve(t, "capital of France")

	// When: queries run while the bundle is republished and reloaded
	var wg sync.WaitGroup
	errs := make(chan string, 64)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 8 {
				resp, err := http.Get(p.http.URL + "/retrieve?query=capital+of+France")
				if err != nil {
					errs <- err.Error()
					continue
				}
				if resp.StatusCode != http.StatusOK {
					errs <- resp.Status
				}
				_ = resp.Body.Close()
			}
		}()
	}
	p.ingest(t, secondCorpus)
	resp, err := http.Post(p.http.URL+"/reload", "application/json", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	wg.Wait()
	close(errs)

	// Then: every query saw either bundle in full
	for e := range errs {
		t.Errorf("query failed during reload: %s", e)
	}
	assert.Equal(t, 3, p.holder.Current().Len())
}

func TestPipeline_TelemetryRecordsServedQueries(t *testing.T) {
	// Given: a retriever recording into a SQLite telemetry store
	p := newPipeline(t, firstCorpus)
	st, err := telemetry.OpenSQLite(filepath.Join(t.TempDir(), "telemetry.db"))
	require.NoError(t, err)
	defer func() { _ = st.Close() }()
	metrics := telemetry.NewQueryMetrics(st, telemetry.DefaultConfig())

	r, err := searcher.NewRetriever(p.holder, p.embedder, searcher.WithRecorder(metrics))
	require.NoError(t, err)

	// When: answering two queries and flushing
	_, err = r.Retrieve(context.Background(), "capital of France", 1)
	require.NoError(t, err)
	_, err = r.Retrieve(context.Background(), "what is 2+2", 1)
	require.NoError(t, err)
	require.NoError(t, metrics.Close())

	// Then: the daily summary counts both
	today := time.Now().Format("2006-01-02")
	snap, err := st.Summary(context.Background(), today, today, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.TotalQueries)
}

package mcp

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supnum/qarag/internal/embed"
	"github.com/supnum/qarag/internal/index"
	"github.com/supnum/qarag/internal/search"
	"github.com/supnum/qarag/internal/telemetry"
	"github.com/supnum/qarag/pkg/searcher"
)

func newTestServer(t *testing.T, raws ...index.RawRecord) *Server {
	t.Helper()

	e := embed.NewStaticEmbedder(0)
	dir := filepath.Join(t.TempDir(), "index")
	if raws != nil {
		_, err := index.NewBuilder(e, index.Options{}).Publish(context.Background(), index.FromRecords(raws), dir)
		require.NoError(t, err)
	}

	r, err := searcher.NewRetriever(search.NewHolder(dir), e)
	require.NoError(t, err)
	s, err := NewServer(r, nil)
	require.NoError(t, err)
	return s
}

var franceCorpus = []index.RawRecord{
	{Question: "What is 2+2?", Answer: "4"},
	{Question: "What is the capital of France?", Answer: "Paris", Source: "geo", Tags: index.TagList{"geo"}},
}

func TestNewServer_RequiresRetriever(t *testing.T) {
	_, err := NewServer(nil, nil)
	assert.ErrorIs(t, err, ErrNilRetriever)
}

func TestServer_ListTools(t *testing.T) {
	s := newTestServer(t, franceCorpus...)

	tools := s.ListTools()

	require.Len(t, tools, 2)
	assert.Equal(t, "retrieve", tools[0].Name)
	assert.Equal(t, "index_status", tools[1].Name)
}

func TestServer_CallTool_Retrieve(t *testing.T) {
	// Given: a server over the France corpus
	s := newTestServer(t, franceCorpus...)

	// When: calling retrieve directly
	out, err := s.CallTool(context.Background(), "retrieve", map[string]any{"query": "capital of France"})

	// Then: Paris is the confident answer
	require.NoError(t, err)
	res, ok := out.(RetrieveOutput)
	require.True(t, ok)
	assert.True(t, res.Found)
	assert.False(t, res.LowConfidence)
	assert.Equal(t, 1, res.K)
	assert.Equal(t, "Paris", res.Result.Answer)
	assert.Equal(t, []string{"geo"}, res.Result.Tags)
	require.Len(t, res.Candidates, 1)
}

func TestServer_CallTool_Errors(t *testing.T) {
	s := newTestServer(t, franceCorpus...)

	tests := []struct {
		name     string
		tool     string
		args     map[string]any
		wantCode int
	}{
		{"unknown tool", "search_code", nil, ErrCodeMethodNotFound},
		{"missing query", "retrieve", map[string]any{}, ErrCodeInvalidParams},
		{"blank query", "retrieve", map[string]any{"query": "  "}, ErrCodeInvalidParams},
		{"negative k", "retrieve", map[string]any{"query": "x", "k": -1}, ErrCodeInvalidParams},
		{"wrong type", "retrieve", map[string]any{"query": 42}, ErrCodeInvalidParams},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.CallTool(context.Background(), tt.tool, tt.args)

			var mcpErr *MCPError
			require.ErrorAs(t, err, &mcpErr)
			assert.Equal(t, tt.wantCode, mcpErr.Code)
		})
	}
}

func TestServer_CallTool_MissingIndex(t *testing.T) {
	s := newTestServer(t)

	_, err := s.CallTool(context.Background(), "retrieve", map[string]any{"query": "hello"})

	var mcpErr *MCPError
	require.ErrorAs(t, err, &mcpErr)
	assert.Equal(t, ErrCodeIndexNotFound, mcpErr.Code)
}

func TestServer_IndexStatus(t *testing.T) {
	// Given: a server whose bundle is not loaded yet
	s := newTestServer(t, franceCorpus...)

	// When/Then: status reports an unloaded bundle without loading it
	out, err := s.CallTool(context.Background(), "index_status", nil)
	require.NoError(t, err)
	status := out.(IndexStatusOutput)
	assert.False(t, status.Loaded)
	assert.Equal(t, search.DefaultConfidenceThreshold, status.Threshold)

	// When/Then: after a query the bundle details appear
	_, err = s.CallTool(context.Background(), "retrieve", map[string]any{"query": "France"})
	require.NoError(t, err)
	out, err = s.CallTool(context.Background(), "index_status", nil)
	require.NoError(t, err)
	status = out.(IndexStatusOutput)
	assert.True(t, status.Loaded)
	assert.Equal(t, 2, status.Documents)
	assert.Equal(t, embed.StaticDimensions, status.Dimensions)
	assert.Equal(t, embed.StaticModelName, status.Model)
	assert.NotEmpty(t, status.BundleID)
	assert.NotEmpty(t, status.CreatedAt)
}

// connect runs s over in-memory transports and returns a client session.
func connect(t *testing.T, s *Server) *mcp.ClientSession {
	t.Helper()

	ctx := context.Background()
	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	ss, err := s.MCPServer().Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)
	cs, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

func TestServer_Protocol_ListAndCall(t *testing.T) {
	// Given: a client connected over the protocol
	s := newTestServer(t, franceCorpus...)
	cs := connect(t, s)
	ctx := context.Background()

	// When: listing tools
	tools, err := cs.ListTools(ctx, nil)
	require.NoError(t, err)
	names := make([]string, 0, len(tools.Tools))
	for _, tool := range tools.Tools {
		names = append(names, tool.Name)
	}

	// Then: both tools are advertised
	assert.ElementsMatch(t, []string{"retrieve", "index_status"}, names)

	// When: calling retrieve
	res, err := cs.CallTool(ctx, &mcp.CallToolParams{
		Name:      "retrieve",
		Arguments: map[string]any{"query": "capital of France", "k": 2},
	})

	// Then: the text content is the markdown answer
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, "Paris")
	assert.Contains(t, text.Text, "What is the capital of France?")
	assert.NotNil(t, res.StructuredContent)
}

func TestServer_Protocol_ErrorIsReported(t *testing.T) {
	s := newTestServer(t)
	cs := connect(t, s)

	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "retrieve",
		Arguments: map[string]any{"query": "hello"},
	})

	// The SDK reports handler failures as tool errors, not transport errors.
	if err == nil {
		assert.True(t, res.IsError)
	}
}

func TestServer_MetricsResource(t *testing.T) {
	// Given: a server with in-memory telemetry that answered one query
	s := newTestServer(t, franceCorpus...)
	m := telemetry.NewQueryMetrics(nil, telemetry.DefaultConfig())
	defer m.Close()
	s.SetMetrics(m)
	m.Record(telemetry.QueryEvent{Query: "capital of France", Found: true, TopScore: 0.9})
	cs := connect(t, s)

	// When: reading the metrics resource
	res, err := cs.ReadResource(context.Background(), &mcp.ReadResourceParams{URI: MetricsURI})

	// Then: the snapshot is returned as JSON
	require.NoError(t, err)
	require.Len(t, res.Contents, 1)
	assert.Equal(t, "application/json", res.Contents[0].MIMEType)
	assert.Contains(t, res.Contents[0].Text, `"total_queries": 1`)
}

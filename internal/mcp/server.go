package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/supnum/qarag/internal/telemetry"
	"github.com/supnum/qarag/pkg/searcher"
	"github.com/supnum/qarag/pkg/version"
)

// ServerName is reported to MCP clients.
const ServerName = "qarag"

// MetricsURI addresses the query metrics resource.
const MetricsURI = "qarag://query_metrics"

// ErrNilRetriever is returned by NewServer without a retriever.
var ErrNilRetriever = errors.New("retriever is required")

// Server is the MCP server for qarag. It exposes retrieval to AI clients.
type Server struct {
	mcp       *mcp.Server
	retriever *searcher.Retriever
	logger    *slog.Logger

	metrics *telemetry.QueryMetrics

	mu sync.RWMutex
}

// ToolInfo contains information about a registered tool.
type ToolInfo struct {
	Name        string
	Description string
}

// RetrieveInput defines the input schema for the retrieve tool.
type RetrieveInput struct {
	Query string `json:"query" jsonschema:"the question to answer from the Q/A corpus"`
	K     int    `json:"k,omitempty" jsonschema:"number of candidates to consider, default 1"`
}

// RetrieveOutput defines the output schema for the retrieve tool.
type RetrieveOutput struct {
	Query         string         `json:"query" jsonschema:"the trimmed query"`
	K             int            `json:"k" jsonschema:"candidates considered"`
	Found         bool           `json:"found" jsonschema:"false when nothing matched"`
	LowConfidence bool           `json:"low_confidence" jsonschema:"true when the best score is under the confidence threshold"`
	Result        RetrieveItem   `json:"result" jsonschema:"the best answer, zero when found is false"`
	Candidates    []RetrieveItem `json:"candidates,omitempty" jsonschema:"all fused candidates, best first"`
}

// RetrieveItem is one answer record.
type RetrieveItem struct {
	Score    float64  `json:"score" jsonschema:"fused relevance score between 0 and 1"`
	Question string   `json:"question" jsonschema:"the stored question"`
	Answer   string   `json:"answer" jsonschema:"the stored answer"`
	Source   string   `json:"source" jsonschema:"where the record came from"`
	Tags     []string `json:"tags" jsonschema:"record tags"`
}

// IndexStatusInput defines the input schema for the index_status tool (no parameters).
type IndexStatusInput struct{}

// IndexStatusOutput defines the output schema for the index_status tool.
type IndexStatusOutput struct {
	IndexDir   string  `json:"index_dir"`
	Loaded     bool    `json:"loaded"`
	BundleID   string  `json:"bundle_id,omitempty"`
	Documents  int     `json:"documents"`
	Dimensions int     `json:"dimensions"`
	Model      string  `json:"embedding_model,omitempty"`
	CreatedAt  string  `json:"created_at,omitempty"`
	Threshold  float64 `json:"confidence_threshold"`
}

// NewServer creates an MCP server answering with r.
func NewServer(r *searcher.Retriever, logger *slog.Logger) (*Server, error) {
	if r == nil {
		return nil, ErrNilRetriever
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		retriever: r,
		logger:    logger,
	}
	s.mcp = mcp.NewServer(
		&mcp.Implementation{
			Name:    ServerName,
			Version: version.Version,
		},
		nil,
	)
	s.registerTools()
	return s, nil
}

// SetMetrics registers the query_metrics resource backed by m.
func (s *Server) SetMetrics(m *telemetry.QueryMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m

	if m != nil {
		s.mcp.AddResource(&mcp.Resource{
			Name:        "query_metrics",
			URI:         MetricsURI,
			Description: "Query outcome telemetry for this server process",
			MIMEType:    "application/json",
		}, s.handleMetricsResource)
	}
}

// MCPServer returns the underlying MCP server instance.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}

// ListTools returns all registered tools.
func (s *Server) ListTools() []ToolInfo {
	return []ToolInfo{
		{
			Name:        "retrieve",
			Description: "Answer a question from the indexed Q/A corpus. Returns the best matching answer with its score, or found=false when nothing matches. A low_confidence flag marks weak matches.",
		},
		{
			Name:        "index_status",
			Description: "Report the loaded Q/A bundle: document count, embedding model and dimension. Does not load the bundle.",
		},
	}
}

// CallTool invokes a tool by name with the given arguments, bypassing the
// protocol layer.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	switch name {
	case "retrieve":
		data, err := json.Marshal(args)
		if err != nil {
			return nil, NewInvalidParamsError(err.Error())
		}
		var in RetrieveInput
		if err := json.Unmarshal(data, &in); err != nil {
			return nil, NewInvalidParamsError(fmt.Sprintf("invalid retrieve arguments: %v", err))
		}
		res, err := s.retrieve(ctx, in)
		if err != nil {
			return nil, err
		}
		return toOutput(res), nil
	case "index_status":
		return s.indexStatus(), nil
	default:
		return nil, NewMethodNotFoundError(name)
	}
}

func (s *Server) registerTools() {
	for _, tool := range s.ListTools() {
		switch tool.Name {
		case "retrieve":
			mcp.AddTool(s.mcp, &mcp.Tool{Name: tool.Name, Description: tool.Description}, s.mcpRetrieveHandler)
		case "index_status":
			mcp.AddTool(s.mcp, &mcp.Tool{Name: tool.Name, Description: tool.Description}, s.mcpIndexStatusHandler)
		}
		s.logger.Debug("Registered tool", slog.String("name", tool.Name))
	}
}

func (s *Server) mcpRetrieveHandler(ctx context.Context, _ *mcp.CallToolRequest, input RetrieveInput) (
	*mcp.CallToolResult,
	RetrieveOutput,
	error,
) {
	res, err := s.retrieve(ctx, input)
	if err != nil {
		return nil, RetrieveOutput{}, err
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: FormatResult(res)}},
	}, toOutput(res), nil
}

func (s *Server) mcpIndexStatusHandler(_ context.Context, _ *mcp.CallToolRequest, _ IndexStatusInput) (
	*mcp.CallToolResult,
	IndexStatusOutput,
	error,
) {
	return nil, s.indexStatus(), nil
}

// retrieve answers in and maps failures to MCP errors.
func (s *Server) retrieve(ctx context.Context, in RetrieveInput) (*searcher.Result, error) {
	requestID := uuid.NewString()[:8]
	res, err := s.retriever.Retrieve(ctx, in.Query, kOrDefault(in.K))
	if err != nil {
		s.logger.Debug("mcp_retrieve_failed",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()))
		return nil, MapError(err)
	}
	s.logger.Debug("mcp_retrieve",
		slog.String("request_id", requestID),
		slog.Bool("found", res.Found),
		slog.Float64("score", res.Score))
	return res, nil
}

func (s *Server) indexStatus() IndexStatusOutput {
	holder := s.retriever.Holder()
	out := IndexStatusOutput{
		IndexDir:  holder.Dir(),
		Threshold: s.retriever.Threshold(),
	}
	if b := holder.Current(); b != nil {
		out.Loaded = true
		out.BundleID = b.Manifest.BundleID
		out.Documents = b.Len()
		out.Dimensions = b.Manifest.Dimensions
		out.Model = b.Manifest.Model
		out.CreatedAt = b.Manifest.CreatedAt.UTC().Format(time.RFC3339)
	}
	return out
}

func (s *Server) handleMetricsResource(_ context.Context, _ *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	s.mu.RLock()
	metrics := s.metrics
	s.mu.RUnlock()

	if metrics == nil {
		return nil, NewInvalidParamsError("query metrics not available")
	}

	content, err := json.MarshalIndent(metrics.Snapshot(), "", "  ")
	if err != nil {
		return nil, MapError(err)
	}
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{
			{
				URI:      MetricsURI,
				MIMEType: "application/json",
				Text:     string(content),
			},
		},
	}, nil
}

// Serve runs the server over stdio until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("Starting MCP server", slog.String("transport", "stdio"))

	err := s.mcp.Run(ctx, &mcp.StdioTransport{})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("MCP server stopped with error", slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("MCP server stopped gracefully")
	return nil
}

func kOrDefault(k int) int {
	if k == 0 {
		return 1
	}
	return k
}

func toOutput(res *searcher.Result) RetrieveOutput {
	out := RetrieveOutput{
		Query:         res.Query,
		K:             res.K,
		Found:         res.Found,
		LowConfidence: res.LowConfidence,
		Result: RetrieveItem{
			Score:    res.Score,
			Question: res.Question,
			Answer:   res.Answer,
			Source:   res.Source,
			Tags:     res.Tags,
		},
	}
	for _, c := range res.Candidates {
		out.Candidates = append(out.Candidates, RetrieveItem{
			Score:    c.Score,
			Question: c.Question,
			Answer:   c.Answer,
			Source:   c.Source,
			Tags:     c.Tags,
		})
	}
	return out
}

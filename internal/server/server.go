// Package server exposes a Retriever over HTTP.
//
// Routes:
//
//	GET  /retrieve?query=...&k=1[&verbose=true]  best answer or found=false
//	GET  /healthz                                liveness and bundle state
//	POST /reload                                 swap in a republished bundle
//
// Errors are returned as JSON with the status mapped from their code.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	qaerrors "github.com/supnum/qarag/internal/errors"
	"github.com/supnum/qarag/pkg/searcher"
)

// RequestIDHeader carries the request id in and out.
const RequestIDHeader = "X-Request-ID"

const defaultReadHeaderTimeout = 5 * time.Second

// DefaultShutdownTimeout bounds graceful shutdown unless WithShutdownTimeout
// sets another value.
const DefaultShutdownTimeout = 10 * time.Second

// ErrNilRetriever is returned by New without a retriever.
var ErrNilRetriever = errors.New("retriever is required")

// Server serves retrieval over HTTP.
type Server struct {
	retriever *searcher.Retriever
	logger    *slog.Logger
	origins   []string
	router    chi.Router

	shutdownTimeout time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithCORSOrigins sets the allowed CORS origins. Empty disables CORS.
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) {
		s.origins = origins
	}
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// New creates a server answering with r.
func New(r *searcher.Retriever, opts ...Option) (*Server, error) {
	if r == nil {
		return nil, ErrNilRetriever
	}
	s := &Server{
		retriever:       r,
		logger:          slog.Default(),
		shutdownTimeout: DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http_listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("http_shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)
	if len(s.origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", RequestIDHeader},
			ExposedHeaders: []string{RequestIDHeader},
			MaxAge:         300,
		}))
	}

	r.Get("/retrieve", s.handleRetrieve)
	r.Get("/healthz", s.handleHealth)
	r.Post("/reload", s.handleReload)
	return r
}

type requestIDKey struct{}

// requestID takes the caller's X-Request-ID or assigns a UUID, and echoes it.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// RequestIDFrom returns the request id stored in ctx.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http_request",
			slog.String("request_id", RequestIDFrom(r.Context())),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("duration", time.Since(start)))
	})
}

// ResultItem is the answer record in a retrieve response.
type ResultItem struct {
	Score    float64  `json:"score"`
	Question string   `json:"question"`
	Answer   string   `json:"answer"`
	Source   string   `json:"source"`
	Tags     []string `json:"tags"`
}

// CandidateItem is one fused candidate, returned with verbose=true.
type CandidateItem struct {
	ResultItem
	Position     int     `json:"position"`
	VectorScore  float64 `json:"vector_score"`
	LexicalScore float64 `json:"lexical_score"`
}

// RetrieveResponse is the body of GET /retrieve. Result is zero-valued when
// Found is false.
type RetrieveResponse struct {
	Query         string          `json:"query"`
	K             int             `json:"k"`
	Found         bool            `json:"found"`
	LowConfidence bool            `json:"low_confidence"`
	Result        ResultItem      `json:"result"`
	Candidates    []CandidateItem `json:"candidates,omitempty"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error     qaerrors.JSONError `json:"error"`
	RequestID string             `json:"request_id,omitempty"`
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	k := 1
	if raw := q.Get("k"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, r, qaerrors.ValidationError(fmt.Sprintf("k must be an integer, got %q", raw), err))
			return
		}
		k = n
	}
	verbose, _ := strconv.ParseBool(q.Get("verbose"))

	res, err := s.retriever.Retrieve(r.Context(), q.Get("query"), k)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := RetrieveResponse{
		Query:         res.Query,
		K:             res.K,
		Found:         res.Found,
		LowConfidence: res.LowConfidence,
		Result: ResultItem{
			Score:    res.Score,
			Question: res.Question,
			Answer:   res.Answer,
			Source:   res.Source,
			Tags:     res.Tags,
		},
	}
	if verbose {
		for _, c := range res.Candidates {
			resp.Candidates = append(resp.Candidates, CandidateItem{
				ResultItem: ResultItem{
					Score:    c.Score,
					Question: c.Question,
					Answer:   c.Answer,
					Source:   c.Source,
					Tags:     c.Tags,
				},
				Position:     c.Position,
				VectorScore:  c.VectorScore,
				LexicalScore: c.LexicalScore,
			})
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status    string `json:"status"`
	Loaded    bool   `json:"loaded"`
	Documents int    `json:"documents"`
	BundleID  string `json:"bundle_id,omitempty"`
	IndexDir  string `json:"index_dir"`
}

// handleHealth never triggers a load.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	holder := s.retriever.Holder()
	resp := HealthResponse{Status: "ok", IndexDir: holder.Dir()}
	if b := holder.Current(); b != nil {
		resp.Loaded = true
		resp.Documents = b.Len()
		resp.BundleID = b.Manifest.BundleID
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	b, err := s.retriever.Holder().Reload(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("bundle_reloaded_via_http",
		slog.String("request_id", RequestIDFrom(r.Context())),
		slog.String("bundle_id", b.Manifest.BundleID))
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "reloaded",
		Loaded:    true,
		Documents: b.Len(),
		BundleID:  b.Manifest.BundleID,
		IndexDir:  s.retriever.Holder().Dir(),
	})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := qaerrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		attrs := qaerrors.LogAttrs(err)
		args := make([]any, 0, len(attrs)+1)
		args = append(args, slog.String("request_id", RequestIDFrom(r.Context())))
		for _, a := range attrs {
			args = append(args, a)
		}
		s.logger.Error("http_request_failed", args...)
	}
	s.writeJSON(w, status, ErrorResponse{
		Error:     qaerrors.ToJSON(err),
		RequestID: RequestIDFrom(r.Context()),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("http_write_failed", slog.String("error", err.Error()))
	}
}

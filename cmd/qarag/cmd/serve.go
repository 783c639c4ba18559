package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/supnum/qarag/internal/config"
	"github.com/supnum/qarag/internal/mcp"
	"github.com/supnum/qarag/internal/search"
	"github.com/supnum/qarag/internal/server"
	"github.com/supnum/qarag/internal/telemetry"
	"github.com/supnum/qarag/pkg/searcher"
)

const (
	transportHTTP  = "http"
	transportStdio = "stdio"
)

type serveOptions struct {
	transport string
	addr      string
	watch     bool
	noWatch   bool
}

func newServeCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve retrieval over HTTP or MCP stdio",
		Long: `Serve retrieval over HTTP or as an MCP server on stdio.

The bundle is loaded on the first request. With --watch (the default
from server.watch) a newly published bundle is swapped in without a
restart; POST /reload does the same on demand.

Transports:
  http   GET /retrieve?query=...&k=1, GET /healthz, POST /reload
  stdio  MCP tools retrieve and index_status`,
		Example: `  qarag serve
  qarag serve --addr 127.0.0.1:9000
  qarag serve --transport stdio`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.transport, "transport", "t", "", "Transport: http or stdio (default: server.transport)")
	cmd.Flags().StringVar(&opts.addr, "addr", "", "HTTP listen address (default: server.addr)")
	cmd.Flags().BoolVar(&opts.watch, "watch", false, "Reload when a new bundle is published")
	cmd.Flags().BoolVar(&opts.noWatch, "no-watch", false, "Do not watch for new bundles")
	cmd.MarkFlagsMutuallyExclusive("watch", "no-watch")

	return cmd
}

func runServe(ctx context.Context, cmd *cobra.Command, opts serveOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyServeFlags(cfg, opts)

	metrics, closeTelemetry := openTelemetry(cfg)
	defer closeTelemetry()

	r, err := newRetriever(ctx, cfg, metrics)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	slog.Info("serve_started",
		slog.String("transport", cfg.Server.Transport),
		slog.String("index_dir", cfg.Index.Dir),
		slog.Bool("watch", cfg.Server.Watch))

	g, ctx := errgroup.WithContext(ctx)
	if cfg.Server.Watch {
		g.Go(func() error {
			return watchBundle(ctx, r.Holder())
		})
	}
	g.Go(func() error {
		switch cfg.Server.Transport {
		case transportStdio:
			return serveStdio(ctx, r, metrics)
		default:
			return serveHTTP(ctx, cmd, cfg, r)
		}
	})
	return g.Wait()
}

func applyServeFlags(cfg *config.Config, opts serveOptions) {
	if opts.transport != "" {
		cfg.Server.Transport = opts.transport
	}
	if opts.addr != "" {
		cfg.Server.Addr = opts.addr
	}
	if opts.watch {
		cfg.Server.Watch = true
	}
	if opts.noWatch {
		cfg.Server.Watch = false
	}
}

// watchBundle keeps the holder's bundle current. A watch failure degrades
// to manual reloads rather than stopping the server.
func watchBundle(ctx context.Context, h *search.Holder) error {
	if err := h.Watch(ctx); err != nil {
		slog.Warn("bundle_watch_unavailable",
			slog.String("dir", h.Dir()),
			slog.String("error", err.Error()))
	}
	return nil
}

func serveHTTP(ctx context.Context, cmd *cobra.Command, cfg *config.Config, r *searcher.Retriever) error {
	srv, err := server.New(r,
		server.WithLogger(slog.Default()),
		server.WithCORSOrigins(cfg.Server.CORSOrigins),
		server.WithShutdownTimeout(cfg.Server.ShutdownTimeout))
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Serving %s on %s\n", cfg.Index.Dir, cfg.Server.Addr)
	return srv.ListenAndServe(ctx, cfg.Server.Addr)
}

func serveStdio(ctx context.Context, r *searcher.Retriever, metrics *telemetry.QueryMetrics) error {
	srv, err := mcp.NewServer(r, slog.Default())
	if err != nil {
		return err
	}
	if metrics != nil {
		srv.SetMetrics(metrics)
	}
	return srv.Serve(ctx)
}

package search

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"

	qaerrors "github.com/supnum/qarag/internal/errors"
	"github.com/supnum/qarag/internal/store"
)

// DefaultReloadDebounce coalesces the burst of events one publish produces.
const DefaultReloadDebounce = 250 * time.Millisecond

// DefaultMissingRetryDelay is how long a load waits before looking again
// for a bundle directory that was not found. Replacing a published bundle
// leaves a short window where the directory is absent.
const DefaultMissingRetryDelay = 100 * time.Millisecond

// LoadFunc loads the bundle at dir.
type LoadFunc func(dir string) (*store.Bundle, error)

// Holder owns the process-wide bundle. The first Get loads it; concurrent
// first callers share one load. Reload swaps in a fresh bundle atomically,
// so a query keeps whatever bundle it started with. A failed load is not
// remembered and the next call tries again.
type Holder struct {
	dir      string
	load     LoadFunc
	logger   *slog.Logger
	debounce time.Duration
	retry    time.Duration

	current atomic.Pointer[store.Bundle]
	group   singleflight.Group
	loads   atomic.Int64
}

// HolderOption configures a Holder.
type HolderOption func(*Holder)

// WithLoadFunc replaces store.LoadBundle, mainly for tests.
func WithLoadFunc(fn LoadFunc) HolderOption {
	return func(h *Holder) {
		if fn != nil {
			h.load = fn
		}
	}
}

// WithHolderLogger sets the holder's logger.
func WithHolderLogger(l *slog.Logger) HolderOption {
	return func(h *Holder) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithReloadDebounce sets how long Watch waits for events to settle.
func WithReloadDebounce(d time.Duration) HolderOption {
	return func(h *Holder) {
		if d > 0 {
			h.debounce = d
		}
	}
}

// WithMissingRetryDelay sets the pause before a load retries a missing
// bundle directory.
func WithMissingRetryDelay(d time.Duration) HolderOption {
	return func(h *Holder) {
		if d > 0 {
			h.retry = d
		}
	}
}

// NewHolder creates a holder for the bundle at dir. Nothing is loaded yet.
func NewHolder(dir string, opts ...HolderOption) *Holder {
	h := &Holder{
		dir:      filepath.Clean(dir),
		load:     store.LoadBundle,
		logger:   slog.Default(),
		debounce: DefaultReloadDebounce,
		retry:    DefaultMissingRetryDelay,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Dir returns the bundle directory.
func (h *Holder) Dir() string {
	return h.dir
}

// Current returns the loaded bundle or nil.
func (h *Holder) Current() *store.Bundle {
	return h.current.Load()
}

// Loads reports how many loads have completed successfully.
func (h *Holder) Loads() int64 {
	return h.loads.Load()
}

// Get returns the loaded bundle, loading it on first use.
func (h *Holder) Get(ctx context.Context) (*store.Bundle, error) {
	if b := h.current.Load(); b != nil {
		return b, nil
	}
	return h.do(ctx, "load", func() (*store.Bundle, error) {
		// Another caller may have finished between the fast path and here.
		if b := h.current.Load(); b != nil {
			return b, nil
		}
		return h.loadAndSwap("initial")
	})
}

// Reload loads the bundle again and swaps it in. On failure the previous
// bundle stays in place.
func (h *Holder) Reload(ctx context.Context) (*store.Bundle, error) {
	return h.do(ctx, "reload", func() (*store.Bundle, error) {
		return h.loadAndSwap("reload")
	})
}

func (h *Holder) do(ctx context.Context, key string, fn func() (*store.Bundle, error)) (*store.Bundle, error) {
	ch := h.group.DoChan(key, func() (any, error) {
		return fn()
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*store.Bundle), nil
	}
}

func (h *Holder) loadAndSwap(reason string) (*store.Bundle, error) {
	start := time.Now()
	b, err := h.load(h.dir)
	if qaerrors.IsKind(err, qaerrors.ErrCodeIndexNotFound) {
		// The directory may be mid-swap. Retry once.
		h.logger.Debug("bundle_missing_retry",
			slog.String("dir", h.dir),
			slog.Duration("delay", h.retry))
		time.Sleep(h.retry)
		b, err = h.load(h.dir)
	}
	if err != nil {
		h.logger.Warn("bundle_load_failed",
			slog.String("dir", h.dir),
			slog.String("reason", reason),
			slog.String("error", err.Error()))
		return nil, err
	}

	prev := h.current.Swap(b)
	h.loads.Add(1)

	attrs := []any{
		slog.String("dir", h.dir),
		slog.String("reason", reason),
		slog.String("bundle_id", b.Manifest.BundleID),
		slog.Int("documents", b.Len()),
		slog.Duration("duration", time.Since(start)),
	}
	if prev != nil {
		attrs = append(attrs, slog.String("previous_bundle_id", prev.Manifest.BundleID))
	}
	h.logger.Info("bundle_loaded", attrs...)
	return b, nil
}

// Watch reloads the bundle whenever a new one is published at Dir. It watches
// the parent directory because publishing replaces Dir with a rename. Watch
// blocks until ctx is done.
func (h *Holder) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	parent := filepath.Dir(h.dir)
	if err := w.Add(parent); err != nil {
		return fmt.Errorf("watch %s: %w", parent, err)
	}

	timer := time.NewTimer(h.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	h.logger.Debug("bundle_watch_started", slog.String("dir", h.dir))
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !h.isPublishEvent(event) {
				continue
			}
			timer.Reset(h.debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			h.logger.Warn("bundle_watch_error", slog.String("error", err.Error()))
		case <-timer.C:
			if _, err := h.Reload(ctx); err != nil && ctx.Err() == nil {
				h.logger.Warn("bundle_reload_skipped",
					slog.String("dir", h.dir),
					slog.String("error", err.Error()))
			}
		}
	}
}

// isPublishEvent matches the bundle directory appearing under its final name.
func (h *Holder) isPublishEvent(e fsnotify.Event) bool {
	if filepath.Clean(e.Name) != h.dir {
		return false
	}
	return e.Has(fsnotify.Create) || e.Has(fsnotify.Rename)
}

package ui

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// PlainRenderer outputs plain text progress (for CI/pipes).
//
// Embedding progress is printed at most once per 10% so large corpora do not
// flood the log of a CI job.
type PlainRenderer struct {
	mu      sync.Mutex
	out     io.Writer
	tracker *ProgressTracker
	stage   Stage
	decile  int
}

// NewPlainRenderer creates a plain text renderer.
func NewPlainRenderer(cfg Config) *PlainRenderer {
	r := &PlainRenderer{
		out:     cfg.Output,
		tracker: NewProgressTracker(),
		stage:   -1,
	}
	if cfg.DataPath != "" {
		_, _ = fmt.Fprintf(r.out, "Ingesting %s\n", cfg.DataPath)
	}
	return r
}

// Start implements Renderer.
func (r *PlainRenderer) Start(context.Context) error {
	return nil
}

// UpdateProgress implements Renderer.
func (r *PlainRenderer) UpdateProgress(event ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if event.Stage != r.stage {
		r.stage = event.Stage
		r.decile = -1
		r.tracker.SetStage(event.Stage, event.Total)
	}
	r.tracker.Update(event.Current)

	// Format: [STAGE] current/total - message
	if event.Total > 0 {
		decile := event.Current * 10 / event.Total
		if decile == r.decile {
			return
		}
		r.decile = decile
		_, _ = fmt.Fprintf(r.out, "[%s] %d/%d", event.Stage.Icon(), event.Current, event.Total)
		if event.Message != "" {
			_, _ = fmt.Fprintf(r.out, " - %s", event.Message)
		}
		_, _ = fmt.Fprintln(r.out)
	} else if event.Message != "" {
		_, _ = fmt.Fprintf(r.out, "[%s] %s\n", event.Stage.Icon(), event.Message)
	}
}

// AddError implements Renderer.
func (r *PlainRenderer) AddError(event ErrorEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tracker.AddError(event)

	prefix := "ERROR"
	if event.IsWarn {
		prefix = "WARN"
	}
	if event.Line > 0 {
		_, _ = fmt.Fprintf(r.out, "%s: line %d: %v\n", prefix, event.Line, event.Err)
	} else {
		_, _ = fmt.Fprintf(r.out, "%s: %v\n", prefix, event.Err)
	}
}

// Complete implements Renderer.
func (r *PlainRenderer) Complete(stats CompletionStats) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tracker.SetStage(StageComplete, 0)
	if stats.Stages == (StageTimings{}) {
		stats.Stages = r.tracker.Timings()
	}
	if stats.Duration == 0 {
		stats.Duration = r.tracker.Elapsed()
	}

	_, _ = fmt.Fprintf(r.out, "Complete: %d records indexed in %s", stats.Accepted, stats.Duration.Round(100*time.Millisecond))
	if stats.Rejected > 0 {
		_, _ = fmt.Fprintf(r.out, " (%d rejected)", stats.Rejected)
	}
	_, _ = fmt.Fprintln(r.out)

	if stats.Stages.Embed > 0 {
		_, _ = fmt.Fprintln(r.out, "Stage Breakdown:")
		_, _ = fmt.Fprintf(r.out, "  Validate: %s\n", stats.Stages.Validate.Round(time.Millisecond))
		_, _ = fmt.Fprintf(r.out, "  Embed:    %s (%d records @ %.1f/sec)\n",
			stats.Stages.Embed.Round(time.Millisecond), stats.Accepted,
			float64(stats.Accepted)/stats.Stages.Embed.Seconds())
		_, _ = fmt.Fprintf(r.out, "  Publish:  %s\n", stats.Stages.Publish.Round(time.Millisecond))
	}

	if stats.Embedder.Provider != "" {
		_, _ = fmt.Fprintf(r.out, "Provider: %s (%s, %d dims)\n",
			stats.Embedder.Provider, stats.Embedder.Model, stats.Embedder.Dimensions)
	}
}

// Stop implements Renderer.
func (r *PlainRenderer) Stop() error {
	return nil
}

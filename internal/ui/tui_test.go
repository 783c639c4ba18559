package ui

import (
	"bytes"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
)

func TestNewTUIRenderer_ErrorsForNonTTY(t *testing.T) {
	// Given: a non-TTY buffer
	cfg := NewConfig(&bytes.Buffer{})

	// When: creating TUI renderer
	r, err := NewTUIRenderer(cfg)

	// Then: it refuses
	assert.Error(t, err)
	assert.Nil(t, r)
}

func TestIngestModel_StageIndicators(t *testing.T) {
	// Given: a model during embedding
	tracker := NewProgressTracker()
	tracker.SetStage(StageEmbedding, 100)
	model := newIngestModel(tracker, "data/qa.jsonl")
	model.styles = NoColorStyles()

	// When: rendering
	view := model.View()

	// Then: every stage and the corpus are shown, validation as done
	assert.Contains(t, view, "data/qa.jsonl")
	assert.Contains(t, view, "● Validate")
	assert.Contains(t, view, "Embed")
	assert.Contains(t, view, "○ Publish")
}

func TestIngestModel_ProgressDisplay(t *testing.T) {
	tracker := NewProgressTracker()
	tracker.SetStage(StageEmbedding, 200)
	tracker.Update(50)
	model := newIngestModel(tracker, "")

	view := model.View()

	assert.Contains(t, view, "50 / 200 records")
	assert.Contains(t, view, "25%")
}

func TestIngestModel_RejectionCount(t *testing.T) {
	tracker := NewProgressTracker()
	tracker.AddError(ErrorEvent{Line: 2, IsWarn: true})
	model := newIngestModel(tracker, "")

	assert.Contains(t, model.View(), "1 rejected")
}

func TestIngestModel_CompleteQuits(t *testing.T) {
	// Given: a running model
	model := newIngestModel(NewProgressTracker(), "")

	// When: the completion message arrives
	next, cmd := model.Update(completeMsg(CompletionStats{Accepted: 2, Rejected: 1, Duration: 3 * time.Second}))

	// Then: it quits and renders the summary
	assert.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
	view := next.View()
	assert.Contains(t, view, "Ingestion complete")
	assert.Contains(t, view, "3s")
	assert.Contains(t, view, "1 rejected")
}

func TestIngestModel_WindowResize(t *testing.T) {
	model := newIngestModel(NewProgressTracker(), "")

	model.Update(tea.WindowSizeMsg{Width: 120, Height: 40})

	assert.Equal(t, 120, model.width)
	assert.Equal(t, 100, model.progressBar.Width)
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{250 * time.Millisecond, "250ms"},
		{42 * time.Second, "42s"},
		{2 * time.Minute, "2m"},
		{2*time.Minute + 15*time.Second, "2m 15s"},
		{time.Hour + 5*time.Minute, "1h 5m"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, formatDuration(tt.d))
		})
	}
}

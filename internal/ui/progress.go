package ui

import (
	"sync"
	"time"
)

// etaSmoothingFactor weights a new ETA against the previous one.
const etaSmoothingFactor = 0.3

// speedInterval is the minimum time between speed samples.
const speedInterval = 500 * time.Millisecond

// ProgressTracker manages progress state across stages.
// It is safe for concurrent use.
type ProgressTracker struct {
	mu         sync.Mutex
	stage      Stage
	current    int
	total      int
	startTime  time.Time
	stageStart time.Time
	timings    StageTimings
	errors     int
	warnings   int
	lastETA    time.Duration

	lastCurrent   int
	lastSpeedCalc time.Time
	speed         float64
	avgSpeed      float64
	speedSamples  int
}

// ProgressStats contains a snapshot of current progress.
type ProgressStats struct {
	Stage      Stage
	Current    int
	Total      int
	Progress   float64
	ETA        time.Duration
	Speed      float64 // items/sec over the last interval
	AvgSpeed   float64
	ErrorCount int
	WarnCount  int
}

// NewProgressTracker creates a new progress tracker.
func NewProgressTracker() *ProgressTracker {
	now := time.Now()
	return &ProgressTracker{
		stage:         StageValidating,
		startTime:     now,
		stageStart:    now,
		lastSpeedCalc: now,
	}
}

// SetStage transitions to a new stage and records how long the previous
// one took.
func (p *ProgressTracker) SetStage(stage Stage, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	p.recordTiming(now.Sub(p.stageStart))

	p.stage = stage
	p.total = total
	p.current = 0
	p.stageStart = now
	p.lastETA = 0
	p.lastCurrent = 0
	p.lastSpeedCalc = now
	p.speed = 0
	p.avgSpeed = 0
	p.speedSamples = 0
}

func (p *ProgressTracker) recordTiming(d time.Duration) {
	switch p.stage {
	case StageValidating:
		p.timings.Validate += d
	case StageEmbedding:
		p.timings.Embed += d
	case StagePublishing:
		p.timings.Publish += d
	}
}

// Update updates progress within the current stage.
func (p *ProgressTracker) Update(current int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.current = current

	now := time.Now()
	elapsed := now.Sub(p.lastSpeedCalc)
	if elapsed < speedInterval {
		return
	}
	if delta := current - p.lastCurrent; delta > 0 {
		p.speed = float64(delta) / elapsed.Seconds()
		p.speedSamples++
		if p.speedSamples == 1 {
			p.avgSpeed = p.speed
		} else {
			p.avgSpeed = 0.2*p.speed + 0.8*p.avgSpeed
		}
	}
	p.lastCurrent = current
	p.lastSpeedCalc = now
}

// AddError records an error or warning.
func (p *ProgressTracker) AddError(event ErrorEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if event.IsWarn {
		p.warnings++
	} else {
		p.errors++
	}
}

// Stats returns a snapshot of the current progress.
func (p *ProgressTracker) Stats() ProgressStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	progress := 0.0
	if p.total > 0 {
		progress = min(float64(p.current)/float64(p.total), 1.0)
	}
	return ProgressStats{
		Stage:      p.stage,
		Current:    p.current,
		Total:      p.total,
		Progress:   progress,
		ETA:        p.calculateETA(),
		Speed:      p.speed,
		AvgSpeed:   p.avgSpeed,
		ErrorCount: p.errors,
		WarnCount:  p.warnings,
	}
}

// Timings returns the durations of the stages left so far.
func (p *ProgressTracker) Timings() StageTimings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timings
}

// Elapsed returns time since tracker creation.
func (p *ProgressTracker) Elapsed() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Since(p.startTime)
}

// calculateETA smooths the raw estimate so batch-to-batch variance does not
// make it jump. Must be called with the lock held.
func (p *ProgressTracker) calculateETA() time.Duration {
	if p.current == 0 || p.total == 0 {
		return 0
	}
	progress := float64(p.current) / float64(p.total)
	if progress >= 1.0 {
		return 0
	}

	elapsed := time.Since(p.stageStart)
	raw := time.Duration(float64(elapsed)/progress) - elapsed
	if raw < 0 {
		return 0
	}
	if p.lastETA == 0 {
		p.lastETA = raw
		return raw
	}
	p.lastETA = time.Duration(etaSmoothingFactor*float64(raw) + (1-etaSmoothingFactor)*float64(p.lastETA))
	return p.lastETA
}

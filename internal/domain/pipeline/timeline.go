package pipeline

import "time"

// Clock supplies the current time. Tests inject a fixed clock so recorded
// timestamps are deterministic regardless of which worker drives the run.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Timeline records the temporal footprint of one run: when it was admitted,
// when it last crossed a step boundary and when it reached a terminal status.
// A run restarted under its original identity clears the terminal mark and
// keeps counting from the original admission time, so run age spans attempts.
type Timeline struct {
	startedAt    time.Time
	completedAt  time.Time
	lastBoundary time.Time
	clock        Clock
}

// NewTimeline starts a timeline at the clock's current time.
func NewTimeline(clock Clock) *Timeline {
	now := clock.Now()
	return &Timeline{startedAt: now, lastBoundary: now, clock: clock}
}

// ReconstructTimeline rebuilds a timeline from persisted timestamps.
func ReconstructTimeline(startedAt, completedAt, lastBoundary time.Time) *Timeline {
	return &Timeline{
		startedAt:    startedAt,
		completedAt:  completedAt,
		lastBoundary: lastBoundary,
		clock:        wallClock{},
	}
}

// StartedAt returns when the run was admitted.
func (t *Timeline) StartedAt() time.Time { return t.startedAt }

// CompletedAt returns when the run reached a terminal status, or the zero
// time while it is still in flight.
func (t *Timeline) CompletedAt() time.Time { return t.completedAt }

// MarkBoundary records that the run crossed a step boundary.
func (t *Timeline) MarkBoundary() { t.lastBoundary = t.clock.Now() }

// MarkCompleted stamps the terminal time.
func (t *Timeline) MarkCompleted() {
	t.completedAt = t.clock.Now()
	t.lastBoundary = t.completedAt
}

// MarkResumed clears the terminal mark for a run returning to the pipeline
// under its original identity.
func (t *Timeline) MarkResumed() {
	t.completedAt = time.Time{}
	t.MarkBoundary()
}

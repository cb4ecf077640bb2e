package pipeline

// Lane is a named isolation bucket with its own dispatch queue and
// concurrency ceiling. A run is pinned to exactly one lane at creation and
// the assignment never changes, so one lane's backlog cannot starve another's
// workers.
type Lane string

const (
	// LaneDefault serves ordinary runs.
	LaneDefault Lane = "default"

	// LanePriority serves runs flagged high priority.
	LanePriority Lane = "priority"

	// LaneLongRunning serves runs whose declared timeouts exceed the
	// long-running thresholds.
	LaneLongRunning Lane = "long-running"
)

// String returns the string representation of the Lane.
func (l Lane) String() string { return string(l) }

package pipeline

import (
	"context"
	"time"

	domain "github.com/mehab/SecurityScansWithTemporal-sub000/internal/domain/pipeline"
	"github.com/mehab/SecurityScansWithTemporal-sub000/pkg/common/logger"
)

// Lane selection thresholds. Runs declaring timeouts beyond these are pinned
// to the long-running lane so they cannot starve ordinary workers.
const (
	longRunningScanTimeout = 30 * time.Minute
	longRunningRunTimeout  = 60 * time.Minute
)

// LaneRouter maps a request's declared characteristics to an isolated
// execution lane. Lane selection is deterministic in the request and the set
// of registered lanes, evaluated exactly once at run creation; restarts
// re-derive the lane through the same rules.
type LaneRouter struct {
	// known guards explicit overrides against typos routing work to a lane
	// no worker consumes.
	known map[domain.Lane]struct{}

	logger *logger.Logger
}

// NewLaneRouter creates a router accepting overrides onto the given lanes.
// The three built-in lanes are always accepted.
func NewLaneRouter(logger *logger.Logger, extraLanes ...domain.Lane) *LaneRouter {
	known := map[domain.Lane]struct{}{
		domain.LaneDefault:     {},
		domain.LanePriority:    {},
		domain.LaneLongRunning: {},
	}
	for _, l := range extraLanes {
		known[l] = struct{}{}
	}
	return &LaneRouter{known: known, logger: logger.With("component", "lane_router")}
}

// Route selects the lane for a request. Fixed priority order: explicit
// override, then the high-priority flag, then the declared-duration
// thresholds, then the default lane. An override naming an unregistered lane
// is rejected rather than honored, since dispatching onto a lane no worker
// consumes would strand the run; the rejection is logged and routing falls
// through to the remaining rules.
func (r *LaneRouter) Route(ctx context.Context, req domain.ScanRequest) domain.Lane {
	if req.LaneOverride != "" {
		if _, ok := r.known[domain.Lane(req.LaneOverride)]; ok {
			return domain.Lane(req.LaneOverride)
		}
		r.logger.Warn(ctx, "Rejected lane override for unregistered lane",
			"run_id", req.RunID(), "lane_override", req.LaneOverride)
	}

	if req.Priority == domain.PriorityHigh {
		return domain.LanePriority
	}

	if req.ScanTimeout > longRunningScanTimeout || req.RunTimeout > longRunningRunTimeout {
		return domain.LaneLongRunning
	}

	return domain.LaneDefault
}

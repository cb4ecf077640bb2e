package restart

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	apppipeline "github.com/mehab/SecurityScansWithTemporal-sub000/internal/app/pipeline"
	"github.com/mehab/SecurityScansWithTemporal-sub000/internal/domain/failure"
	domain "github.com/mehab/SecurityScansWithTemporal-sub000/internal/domain/pipeline"
	"github.com/mehab/SecurityScansWithTemporal-sub000/internal/infra/substrate/memory"
	"github.com/mehab/SecurityScansWithTemporal-sub000/pkg/common/logger"
)

type fakeProber struct{ err error }

func (p *fakeProber) ProbeStorage(context.Context, string) error { return p.err }

type noopMetrics struct{}

func (noopMetrics) IncSweep(context.Context) {}
func (noopMetrics) IncRunRestarted(context.Context, failure.Classification) {}
func (noopMetrics) IncRestartSkipped(context.Context, string) {}
func (noopMetrics) IncRestartErrors(context.Context) {}

func newCoordinator(t *testing.T, substrate *memory.Substrate, prober *fakeProber) *Coordinator {
	t.Helper()
	log := logger.New(io.Discard, logger.LevelDebug, "test", nil)
	return NewCoordinator(
		Config{WorkspaceRoot: "/mnt/scans", RestartsPerSecond: 1000, RestartBurst: 1000},
		substrate,
		substrate,
		substrate,
		prober,
		apppipeline.NewLaneRouter(log),
		log,
		noop.NewTracerProvider().Tracer("test"),
		noopMetrics{},
	)
}

func failedRun(t *testing.T, req domain.ScanRequest, class failure.Classification, restartRequired bool, opts ...domain.RunOption) *domain.Run {
	t.Helper()
	run, err := domain.NewRun(req, domain.LaneDefault, "/mnt/scans", opts...)
	require.NoError(t, err)
	require.NoError(t, run.Fail(class, restartRequired, map[string]string{
		domain.MetaFailingPath: run.WorkspacePath(),
	}))
	return run
}

func testRequest() domain.ScanRequest {
	return domain.ScanRequest{
		AppID:     "billing",
		Component: "api",
		BuildID:   "42",
		Tool:      domain.ToolKindSecrets,
		OriginURL: "https://git.example.com/billing/api.git",
	}
}

func TestCoordinator_Sweep_RelaunchesStorageFailure(t *testing.T) {
	t.Parallel()

	substrate := memory.NewSubstrate()
	req := testRequest()
	run := failedRun(t, req, failure.ClassStorage, true)
	require.NoError(t, substrate.CreateRun(context.Background(), run))

	coord := newCoordinator(t, substrate, &fakeProber{})

	restarted, err := coord.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, restarted)

	id, lane, input, ok := substrate.NextDispatch()
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(id, req.RunID()+"-restart-"))
	assert.Equal(t, domain.LaneDefault, lane)
	assert.Equal(t, run.CapturedInput(), input)

	// The original run is no longer a candidate.
	stored, err := substrate.GetRun(context.Background(), run.ID())
	require.NoError(t, err)
	assert.False(t, stored.RestartRequired())
	assert.Equal(t, id, stored.Metadata()[domain.MetaRestartedAs])

	restarted, err = coord.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, restarted)
}

func TestCoordinator_Sweep_SkipsWhileStorageStillFailing(t *testing.T) {
	t.Parallel()

	substrate := memory.NewSubstrate()
	run := failedRun(t, testRequest(), failure.ClassStorage, true)
	require.NoError(t, substrate.CreateRun(context.Background(), run))

	coord := newCoordinator(t, substrate, &fakeProber{err: errors.New("read-only file system")})

	restarted, err := coord.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, restarted)

	_, _, _, ok := substrate.NextDispatch()
	assert.False(t, ok)

	// Still flagged for the next sweep.
	stored, err := substrate.GetRun(context.Background(), run.ID())
	require.NoError(t, err)
	assert.True(t, stored.RestartRequired())
}

func TestCoordinator_Sweep_IgnoresNonRestartableFailures(t *testing.T) {
	t.Parallel()

	substrate := memory.NewSubstrate()
	run := failedRun(t, testRequest(), failure.ClassDeployment, false)
	require.NoError(t, substrate.CreateRun(context.Background(), run))

	coord := newCoordinator(t, substrate, &fakeProber{})

	restarted, err := coord.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, restarted)

	_, _, _, ok := substrate.NextDispatch()
	assert.False(t, ok)
}

func TestCoordinator_Sweep_ReDerivesLane(t *testing.T) {
	t.Parallel()

	substrate := memory.NewSubstrate()
	req := testRequest()
	req.Priority = domain.PriorityHigh
	run := failedRun(t, req, failure.ClassResource, true)
	require.NoError(t, substrate.CreateRun(context.Background(), run))

	coord := newCoordinator(t, substrate, &fakeProber{})

	restarted, err := coord.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, restarted)

	_, lane, _, ok := substrate.NextDispatch()
	require.True(t, ok)
	assert.Equal(t, domain.LanePriority, lane)
}

func newReuseCoordinator(t *testing.T, substrate *memory.Substrate, prober *fakeProber) *Coordinator {
	t.Helper()
	log := logger.New(io.Discard, logger.LevelDebug, "test", nil)
	return NewCoordinator(
		Config{WorkspaceRoot: "/mnt/scans", RestartsPerSecond: 1000, RestartBurst: 1000, ReuseIdentity: true},
		substrate,
		substrate,
		substrate,
		prober,
		apppipeline.NewLaneRouter(log),
		log,
		noop.NewTracerProvider().Tracer("test"),
		noopMetrics{},
	)
}

func TestCoordinator_Sweep_ReuseIdentityResetsInPlace(t *testing.T) {
	t.Parallel()

	substrate := memory.NewSubstrate()
	req := testRequest()
	run := failedRun(t, req, failure.ClassStorage, true)
	require.NoError(t, substrate.CreateRun(context.Background(), run))

	coord := newReuseCoordinator(t, substrate, &fakeProber{})

	restarted, err := coord.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, restarted)

	// The relaunch runs under the original identity with the original bytes.
	id, lane, input, ok := substrate.NextDispatch()
	require.True(t, ok)
	assert.Equal(t, req.RunID(), id)
	assert.Equal(t, domain.LaneDefault, lane)
	assert.Equal(t, run.CapturedInput(), input)

	// The terminal record was reset so the delivery re-enters the pipeline.
	stored, err := substrate.GetRun(context.Background(), run.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusPending, stored.Status())
	assert.False(t, stored.RestartRequired())
	assert.Empty(t, stored.Classification())
	assert.Equal(t, "STORAGE", stored.Metadata()[domain.MetaPriorFailure])

	restarted, err = coord.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, restarted)
}

func TestCoordinator_Sweep_ReuseIdentityPicksUpUndispatchedReset(t *testing.T) {
	t.Parallel()

	// A run reset by an earlier sweep that died before dispatching: Pending
	// with the restart flag still up.
	substrate := memory.NewSubstrate()
	req := testRequest()
	run := failedRun(t, req, failure.ClassStorage, true)
	require.NoError(t, run.ResetForRestart())
	require.NoError(t, substrate.CreateRun(context.Background(), run))

	coord := newReuseCoordinator(t, substrate, &fakeProber{})

	restarted, err := coord.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, restarted)

	id, _, input, ok := substrate.NextDispatch()
	require.True(t, ok)
	assert.Equal(t, req.RunID(), id)
	assert.Equal(t, run.CapturedInput(), input)

	stored, err := substrate.GetRun(context.Background(), run.ID())
	require.NoError(t, err)
	assert.False(t, stored.RestartRequired())
}

func TestCoordinator_Sweep_RestartOfRestartKeepsOriginalIdentity(t *testing.T) {
	t.Parallel()

	substrate := memory.NewSubstrate()
	req := testRequest()
	firstRestartID := domain.RestartRunID(req.RunID(), time.Now().Add(-time.Hour))
	run := failedRun(t, req, failure.ClassStorage, true, domain.WithRestartIdentity(firstRestartID))
	require.NoError(t, substrate.CreateRun(context.Background(), run))

	coord := newCoordinator(t, substrate, &fakeProber{})

	restarted, err := coord.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, restarted)

	id, _, _, ok := substrate.NextDispatch()
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(id, req.RunID()+"-restart-"))
	assert.NotContains(t, strings.TrimPrefix(id, req.RunID()+"-restart-"), "restart")
}

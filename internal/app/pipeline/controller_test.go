package pipeline

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/mehab/SecurityScansWithTemporal-sub000/internal/domain/failure"
	domain "github.com/mehab/SecurityScansWithTemporal-sub000/internal/domain/pipeline"
	"github.com/mehab/SecurityScansWithTemporal-sub000/internal/infra/substrate/memory"
	"github.com/mehab/SecurityScansWithTemporal-sub000/pkg/common/logger"
)

type mockProvisioner struct{ mock.Mock }

func (m *mockProvisioner) Provision(ctx context.Context, run *domain.Run) (bool, error) {
	args := m.Called(ctx, run)
	return args.Bool(0), args.Error(1)
}

type mockScanTool struct {
	mock.Mock
	kind domain.ToolKind
}

func (m *mockScanTool) Kind() domain.ToolKind { return m.kind }

func (m *mockScanTool) Scan(ctx context.Context, run *domain.Run) (domain.Result, error) {
	args := m.Called(ctx, run)
	return args.Get(0).(domain.Result), args.Error(1)
}

type mockResultStore struct{ mock.Mock }

func (m *mockResultStore) StoreResult(ctx context.Context, result domain.Result) error {
	return m.Called(ctx, result).Error(0)
}

type mockReclaimer struct{ mock.Mock }

func (m *mockReclaimer) Reclaim(ctx context.Context, path string) error {
	return m.Called(ctx, path).Error(0)
}

type noopHeartbeat struct{}

func (noopHeartbeat) Heartbeat(context.Context, string, string) error { return nil }

type stubDisk struct{ available int64 }

func (d stubDisk) AvailableBytes(string) (int64, error) { return d.available, nil }

type noopMetrics struct{}

func (noopMetrics) IncRunStarted(context.Context, domain.Lane) {}
func (noopMetrics) IncRunCompleted(context.Context, bool) {}
func (noopMetrics) IncRunFailed(context.Context, failure.Classification) {}
func (noopMetrics) IncAdmissionDeferred(context.Context) {}
func (noopMetrics) ObserveStepDuration(context.Context, domain.RunStatus, time.Duration) {}

type controllerTestSuite struct {
	substrate   *memory.Substrate
	provisioner *mockProvisioner
	tool        *mockScanTool
	results     *mockResultStore
	reclaimer   *mockReclaimer
	controller  *Controller
}

func newControllerTestSuite(t *testing.T) *controllerTestSuite {
	t.Helper()

	substrate := memory.NewSubstrate()
	provisioner := new(mockProvisioner)
	tool := &mockScanTool{kind: domain.ToolKindSecrets}
	results := new(mockResultStore)
	reclaimer := new(mockReclaimer)

	log := logger.New(io.Discard, logger.LevelDebug, "test", nil)
	tracer := noop.NewTracerProvider().Tracer("test")

	admission := NewAdmissionController(AdmissionConfig{
		MaxWorkspaceBytes:  1 << 30,
		DefaultSourceBytes: 1 << 20,
	}, stubDisk{available: 1 << 40}, log, tracer)

	ctrl := NewController(
		ControllerConfig{WorkspaceRoot: "/mnt/scans", MaxStepAttempts: 3},
		substrate,
		provisioner,
		[]domain.ScanTool{tool},
		results,
		reclaimer,
		noopHeartbeat{},
		admission,
		NewLaneRouter(log),
		log,
		tracer,
		noopMetrics{},
	)

	return &controllerTestSuite{
		substrate:   substrate,
		provisioner: provisioner,
		tool:        tool,
		results:     results,
		reclaimer:   reclaimer,
		controller:  ctrl,
	}
}

func testRequest() domain.ScanRequest {
	return domain.ScanRequest{
		AppID:         "billing",
		Component:     "api",
		BuildID:       "42",
		Tool:          domain.ToolKindSecrets,
		OriginURL:     "https://git.example.com/billing/api.git",
		Ref:           "main",
		CloneStrategy: domain.CloneStrategyShallow,
	}
}

func testInput(t *testing.T, req domain.ScanRequest) []byte {
	t.Helper()
	b, err := req.Marshal()
	require.NoError(t, err)
	return b
}

func TestController_Execute_HappyPath(t *testing.T) {
	t.Parallel()
	suite := newControllerTestSuite(t)

	req := testRequest()
	runID := req.RunID()

	suite.provisioner.On("Provision", mock.Anything, mock.Anything).Return(false, nil).Once()
	suite.tool.On("Scan", mock.Anything, mock.Anything).Return(domain.Result{
		RunID:       runID,
		Tool:        domain.ToolKindSecrets,
		Success:     true,
		Findings:    3,
		CompletedAt: time.Now().UTC(),
	}, nil).Once()
	suite.results.On("StoreResult", mock.Anything, mock.Anything).Return(nil).Once()
	suite.reclaimer.On("Reclaim", mock.Anything, "/mnt/scans/"+runID).Return(nil).Once()

	err := suite.controller.Execute(context.Background(), runID, testInput(t, req))
	require.NoError(t, err)

	run, err := suite.substrate.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, run.Status())
	assert.True(t, run.Succeeded())
	assert.Equal(t, "false", run.Metadata()[domain.MetaWorkspaceReused])
	assert.Equal(t, "1", run.Metadata()[domain.MetaAdmissionAttempts])

	suite.provisioner.AssertExpectations(t)
	suite.tool.AssertExpectations(t)
	suite.results.AssertExpectations(t)
	suite.reclaimer.AssertExpectations(t)
}

func TestController_Execute_DuplicateDeliveryAfterCompletion(t *testing.T) {
	t.Parallel()
	suite := newControllerTestSuite(t)

	req := testRequest()
	runID := req.RunID()

	suite.provisioner.On("Provision", mock.Anything, mock.Anything).Return(true, nil).Once()
	suite.tool.On("Scan", mock.Anything, mock.Anything).
		Return(domain.Result{RunID: runID, Tool: domain.ToolKindSecrets, Success: true}, nil).Once()
	suite.results.On("StoreResult", mock.Anything, mock.Anything).Return(nil).Once()
	suite.reclaimer.On("Reclaim", mock.Anything, mock.Anything).Return(nil).Once()

	input := testInput(t, req)
	require.NoError(t, suite.controller.Execute(context.Background(), runID, input))

	// A redelivered start for a terminal run is a no-op, no step re-executes.
	require.NoError(t, suite.controller.Execute(context.Background(), runID, input))

	suite.provisioner.AssertNumberOfCalls(t, "Provision", 1)
	suite.tool.AssertNumberOfCalls(t, "Scan", 1)
}

func TestController_Execute_ResumesWithoutReprovisioning(t *testing.T) {
	t.Parallel()
	suite := newControllerTestSuite(t)

	req := testRequest()
	runID := req.RunID()
	input := testInput(t, req)

	// First delivery: provisioning succeeds, the scan dies on a network
	// fault. The error propagates for redelivery with the run parked in
	// Scanning.
	suite.provisioner.On("Provision", mock.Anything, mock.Anything).Return(false, nil).Once()
	suite.tool.On("Scan", mock.Anything, mock.Anything).
		Return(domain.Result{}, errors.New("read tcp 10.0.0.1:443: connection reset by peer")).Once()

	err := suite.controller.Execute(context.Background(), runID, input)
	require.Error(t, err)

	run, err := suite.substrate.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusScanning, run.Status())
	assert.Equal(t, "1", run.Metadata()["attempts_SCANNING"])

	// Second delivery resumes at Scanning: no second clone.
	suite.tool.On("Scan", mock.Anything, mock.Anything).
		Return(domain.Result{RunID: runID, Tool: domain.ToolKindSecrets, Success: true}, nil).Once()
	suite.results.On("StoreResult", mock.Anything, mock.Anything).Return(nil).Once()
	suite.reclaimer.On("Reclaim", mock.Anything, mock.Anything).Return(nil).Once()

	require.NoError(t, suite.controller.Execute(context.Background(), runID, input))

	run, err = suite.substrate.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, run.Status())
	assert.True(t, run.Succeeded())

	suite.provisioner.AssertNumberOfCalls(t, "Provision", 1)
}

func TestController_Execute_StorageFailureIsTerminalAndRestartable(t *testing.T) {
	t.Parallel()
	suite := newControllerTestSuite(t)

	req := testRequest()
	runID := req.RunID()

	storageErr := failure.NewStorageError("/mnt/scans/"+runID, errors.New("read-only file system"))
	suite.provisioner.On("Provision", mock.Anything, mock.Anything).Return(false, storageErr).Once()

	// Terminal outcome, no redelivery wanted.
	require.NoError(t, suite.controller.Execute(context.Background(), runID, testInput(t, req)))

	run, err := suite.substrate.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, run.Status())
	assert.Equal(t, failure.ClassStorage, run.Classification())
	assert.True(t, run.RestartRequired())
	assert.Equal(t, "/mnt/scans/"+runID, run.Metadata()[domain.MetaFailingPath])

	suite.reclaimer.AssertNotCalled(t, "Reclaim", mock.Anything, mock.Anything)
}

func TestController_Execute_ReentersAfterInPlaceReset(t *testing.T) {
	t.Parallel()
	suite := newControllerTestSuite(t)

	req := testRequest()
	runID := req.RunID()
	input := testInput(t, req)

	storageErr := failure.NewStorageError("/mnt/scans/"+runID, errors.New("stale file handle"))
	suite.provisioner.On("Provision", mock.Anything, mock.Anything).Return(false, storageErr).Once()
	require.NoError(t, suite.controller.Execute(context.Background(), runID, input))

	// With the terminal record in place, redelivering the original identity
	// does nothing, even once storage is healthy again.
	require.NoError(t, suite.controller.Execute(context.Background(), runID, input))
	suite.provisioner.AssertNumberOfCalls(t, "Provision", 1)

	// The restart coordinator's reuse-identity mode resets the record before
	// re-dispatching under the original identity.
	run, err := suite.substrate.GetRun(context.Background(), runID)
	require.NoError(t, err)
	require.NoError(t, run.ResetForRestart())
	run.MarkRedispatched()
	require.NoError(t, suite.substrate.UpdateRun(context.Background(), run))

	// The next delivery re-enters from Provisioning and runs to completion.
	suite.provisioner.On("Provision", mock.Anything, mock.Anything).Return(false, nil).Once()
	suite.tool.On("Scan", mock.Anything, mock.Anything).
		Return(domain.Result{RunID: runID, Tool: domain.ToolKindSecrets, Success: true}, nil).Once()
	suite.results.On("StoreResult", mock.Anything, mock.Anything).Return(nil).Once()
	suite.reclaimer.On("Reclaim", mock.Anything, mock.Anything).Return(nil).Once()

	require.NoError(t, suite.controller.Execute(context.Background(), runID, input))

	run, err = suite.substrate.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, run.Status())
	assert.True(t, run.Succeeded())
	assert.Equal(t, "STORAGE", run.Metadata()[domain.MetaPriorFailure])
	suite.provisioner.AssertNumberOfCalls(t, "Provision", 2)
}

func TestController_Execute_TransientExhaustionDegradesToRestartable(t *testing.T) {
	t.Parallel()
	suite := newControllerTestSuite(t)

	req := testRequest()
	runID := req.RunID()
	input := testInput(t, req)

	suite.provisioner.On("Provision", mock.Anything, mock.Anything).
		Return(false, errors.New("dial tcp: connection refused")).Times(3)

	// Two deliveries bounce back to the substrate, the third exhausts the
	// attempt budget and lands terminal.
	require.Error(t, suite.controller.Execute(context.Background(), runID, input))
	require.Error(t, suite.controller.Execute(context.Background(), runID, input))
	require.NoError(t, suite.controller.Execute(context.Background(), runID, input))

	run, err := suite.substrate.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, run.Status())
	assert.Equal(t, failure.ClassNetwork, run.Classification())
	assert.True(t, run.RestartRequired())
}

func TestController_Execute_DeploymentFailureNotRestartable(t *testing.T) {
	t.Parallel()
	suite := newControllerTestSuite(t)

	req := testRequest()
	runID := req.RunID()

	suite.provisioner.On("Provision", mock.Anything, mock.Anything).Return(false, nil).Once()
	suite.tool.On("Scan", mock.Anything, mock.Anything).
		Return(domain.Result{}, errors.New(`exec: "gitleaks": executable file not found in $PATH`)).Once()

	require.NoError(t, suite.controller.Execute(context.Background(), runID, testInput(t, req)))

	run, err := suite.substrate.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, run.Status())
	assert.Equal(t, failure.ClassDeployment, run.Classification())
	assert.False(t, run.RestartRequired())
}

func TestController_Execute_UnknownToolFailsAsDeployment(t *testing.T) {
	t.Parallel()
	suite := newControllerTestSuite(t)

	req := testRequest()
	req.Tool = domain.ToolKindDependency // no adapter registered in the suite
	runID := req.RunID()

	suite.provisioner.On("Provision", mock.Anything, mock.Anything).Return(false, nil).Once()

	require.NoError(t, suite.controller.Execute(context.Background(), runID, testInput(t, req)))

	run, err := suite.substrate.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, run.Status())
	assert.Equal(t, failure.ClassDeployment, run.Classification())
	assert.False(t, run.RestartRequired())
}

func TestController_Execute_ApplicationErrorBecomesFailedResult(t *testing.T) {
	t.Parallel()
	suite := newControllerTestSuite(t)

	req := testRequest()
	runID := req.RunID()

	suite.provisioner.On("Provision", mock.Anything, mock.Anything).Return(false, nil).Once()
	suite.tool.On("Scan", mock.Anything, mock.Anything).
		Return(domain.Result{}, errors.New("panic: index out of range")).Once()
	suite.results.On("StoreResult", mock.Anything, mock.MatchedBy(func(r domain.Result) bool {
		return !r.Success && r.RunID == runID
	})).Return(nil).Once()

	require.NoError(t, suite.controller.Execute(context.Background(), runID, testInput(t, req)))

	run, err := suite.substrate.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, run.Status())
	assert.False(t, run.Succeeded())
	assert.NotEmpty(t, run.Metadata()[domain.MetaWorkspaceRetained])

	// Failed scans keep their workspace for inspection.
	suite.reclaimer.AssertNotCalled(t, "Reclaim", mock.Anything, mock.Anything)
	suite.results.AssertExpectations(t)
}

func TestController_Execute_UnsuccessfulScanSkipsReclaim(t *testing.T) {
	t.Parallel()
	suite := newControllerTestSuite(t)

	req := testRequest()
	runID := req.RunID()

	suite.provisioner.On("Provision", mock.Anything, mock.Anything).Return(false, nil).Once()
	suite.tool.On("Scan", mock.Anything, mock.Anything).Return(domain.Result{
		RunID:    runID,
		Tool:     domain.ToolKindSecrets,
		Success:  false,
		ExitCode: 2,
		Findings: 7,
	}, nil).Once()
	suite.results.On("StoreResult", mock.Anything, mock.Anything).Return(nil).Once()

	require.NoError(t, suite.controller.Execute(context.Background(), runID, testInput(t, req)))

	run, err := suite.substrate.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, run.Status())
	assert.False(t, run.Succeeded())

	suite.reclaimer.AssertNotCalled(t, "Reclaim", mock.Anything, mock.Anything)
}

func TestController_Execute_ResultStoreFailureIsNonFatal(t *testing.T) {
	t.Parallel()
	suite := newControllerTestSuite(t)

	req := testRequest()
	runID := req.RunID()

	suite.provisioner.On("Provision", mock.Anything, mock.Anything).Return(false, nil).Once()
	suite.tool.On("Scan", mock.Anything, mock.Anything).
		Return(domain.Result{RunID: runID, Tool: domain.ToolKindSecrets, Success: true}, nil).Once()
	suite.results.On("StoreResult", mock.Anything, mock.Anything).
		Return(errors.New("bucket unavailable")).Once()
	suite.reclaimer.On("Reclaim", mock.Anything, mock.Anything).Return(nil).Once()

	require.NoError(t, suite.controller.Execute(context.Background(), runID, testInput(t, req)))

	run, err := suite.substrate.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, run.Status())
	assert.True(t, run.Succeeded())
	assert.Contains(t, run.Metadata()[domain.MetaResultStoreError], "bucket unavailable")
}

func TestController_Execute_ReclaimFailureStillCompletes(t *testing.T) {
	t.Parallel()
	suite := newControllerTestSuite(t)

	req := testRequest()
	runID := req.RunID()

	suite.provisioner.On("Provision", mock.Anything, mock.Anything).Return(false, nil).Once()
	suite.tool.On("Scan", mock.Anything, mock.Anything).
		Return(domain.Result{RunID: runID, Tool: domain.ToolKindSecrets, Success: true}, nil).Once()
	suite.results.On("StoreResult", mock.Anything, mock.Anything).Return(nil).Once()
	suite.reclaimer.On("Reclaim", mock.Anything, mock.Anything).
		Return(errors.New("device or resource busy")).Once()

	require.NoError(t, suite.controller.Execute(context.Background(), runID, testInput(t, req)))

	run, err := suite.substrate.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, run.Status())
	assert.True(t, run.Succeeded())
	assert.Contains(t, run.Metadata()[domain.MetaWorkspaceRetained], "busy")
}

func TestController_Execute_IdentityMismatchRejected(t *testing.T) {
	t.Parallel()
	suite := newControllerTestSuite(t)

	req := testRequest()
	err := suite.controller.Execute(context.Background(), "some-other-id", testInput(t, req))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "identity mismatch")
}

func TestController_Execute_CancellationParksRun(t *testing.T) {
	t.Parallel()
	suite := newControllerTestSuite(t)

	req := testRequest()
	runID := req.RunID()
	input := testInput(t, req)

	ctx, cancel := context.WithCancel(context.Background())

	suite.provisioner.On("Provision", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).Return(false, nil).Once()

	err := suite.controller.Execute(ctx, runID, input)
	require.ErrorIs(t, err, context.Canceled)

	run, err := suite.substrate.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusScanning, run.Status())
	assert.NotEmpty(t, run.Metadata()[domain.MetaCancelled])

	// A later delivery picks the run back up and finishes it.
	suite.tool.On("Scan", mock.Anything, mock.Anything).
		Return(domain.Result{RunID: runID, Tool: domain.ToolKindSecrets, Success: true}, nil).Once()
	suite.results.On("StoreResult", mock.Anything, mock.Anything).Return(nil).Once()
	suite.reclaimer.On("Reclaim", mock.Anything, mock.Anything).Return(nil).Once()

	require.NoError(t, suite.controller.Execute(context.Background(), runID, input))

	run, err = suite.substrate.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, run.Status())
}

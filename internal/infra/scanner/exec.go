package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/mehab/SecurityScansWithTemporal-sub000/internal/domain/pipeline"
	"github.com/mehab/SecurityScansWithTemporal-sub000/pkg/common/logger"
)

// execOptions is the tool configuration shape the exec adapter accepts. Args
// may reference {workspace} and {report}, which are substituted with the
// run's working tree path and the report output path.
type execOptions struct {
	Args []string `json:"args,omitempty"`

	// ReportFile names the artifact the tool writes, relative to the
	// workspace. Defaults to dependency-report.json.
	ReportFile string `json:"report_file,omitempty"`
}

// ExecTool invokes an external analyzer binary against the working tree. A
// non-zero exit from a binary that ran is reported as an unsuccessful Result;
// only a binary that could not run at all raises an error.
type ExecTool struct {
	kind   domain.ToolKind
	binary string

	heartbeat domain.Heartbeater
	logger    *logger.Logger
	tracer    trace.Tracer
}

var _ domain.ScanTool = (*ExecTool)(nil)

// NewExecTool creates an exec adapter serving the given tool kind with the
// given binary.
func NewExecTool(kind domain.ToolKind, binary string, heartbeat domain.Heartbeater, logger *logger.Logger, tracer trace.Tracer) *ExecTool {
	return &ExecTool{
		kind:      kind,
		binary:    binary,
		heartbeat: heartbeat,
		logger:    logger.With("component", "exec_tool", "tool_kind", string(kind)),
		tracer:    tracer,
	}
}

// Kind identifies the tool requests this adapter serves.
func (t *ExecTool) Kind() domain.ToolKind { return t.kind }

// Binary returns the executable this adapter invokes. Worker preflight
// verifies it is on PATH before the worker starts serving.
func (t *ExecTool) Binary() string { return t.binary }

// Scan runs the binary in the run's workspace.
func (t *ExecTool) Scan(ctx context.Context, run *domain.Run) (domain.Result, error) {
	ctx, span := t.tracer.Start(ctx, "exec_tool.scan",
		trace.WithAttributes(
			attribute.String("run_id", run.ID()),
			attribute.String("tool_kind", string(t.kind)),
			attribute.String("binary", t.binary),
		))
	defer span.End()

	var opts execOptions
	if raw := run.Request().ToolConfig; len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return domain.Result{}, fmt.Errorf("decoding %s tool config: %w", t.kind, err)
		}
	}
	if opts.ReportFile == "" {
		opts.ReportFile = "dependency-report.json"
	}
	reportPath := filepath.Join(run.WorkspacePath(), opts.ReportFile)

	args := make([]string, len(opts.Args))
	for i, a := range opts.Args {
		switch a {
		case "{workspace}":
			args[i] = run.WorkspacePath()
		case "{report}":
			args[i] = reportPath
		default:
			args[i] = a
		}
	}

	cmd := exec.CommandContext(ctx, t.binary, args...)
	cmd.Dir = run.WorkspacePath()
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stopHeartbeat := t.startHeartbeat(ctx, run.ID())
	defer stopHeartbeat()

	span.AddEvent("tool_started")
	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// The tool ran and judged the tree: a negative outcome, not a
			// pipeline fault.
			code := exitErr.ExitCode()
			span.AddEvent("tool_exited_nonzero", trace.WithAttributes(attribute.Int("exit_code", code)))
			t.logger.Info(ctx, "Tool exited non-zero",
				"run_id", run.ID(), "exit_code", code, "stderr", truncate(stderr.String(), 2048))
			return domain.Result{
				RunID:       run.ID(),
				Tool:        t.kind,
				Success:     false,
				ExitCode:    code,
				ReportPath:  reportPath,
				CompletedAt: time.Now().UTC(),
			}, nil
		}

		span.RecordError(err)
		return domain.Result{}, fmt.Errorf("running %s: %w: %s", t.binary, err, truncate(stderr.String(), 2048))
	}

	span.AddEvent("tool_completed")
	return domain.Result{
		RunID:       run.ID(),
		Tool:        t.kind,
		Success:     true,
		ReportPath:  reportPath,
		CompletedAt: time.Now().UTC(),
	}, nil
}

func (t *ExecTool) startHeartbeat(ctx context.Context, runID string) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := t.heartbeat.Heartbeat(ctx, runID, "scanning"); err != nil {
					t.logger.Warn(ctx, "Heartbeat failed during scan", "run_id", runID, "error", err)
				}
			}
		}
	}()
	return func() { close(done) }
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

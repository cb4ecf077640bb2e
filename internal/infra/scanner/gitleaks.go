// Package scanner provides the tool adapters the pipeline invokes against a
// provisioned working tree. Each adapter owns one tool kind: translating the
// run's opaque tool configuration, executing the tool, and reducing its
// output to a Result. Adapters report negative tool outcomes through the
// Result and reserve returned errors for broken invocations.
package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"github.com/zricethezav/gitleaks/v8/cmd/scm"
	"github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	"github.com/zricethezav/gitleaks/v8/report"
	"github.com/zricethezav/gitleaks/v8/sources"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/mehab/SecurityScansWithTemporal-sub000/internal/domain/pipeline"
	"github.com/mehab/SecurityScansWithTemporal-sub000/pkg/common/logger"
)

const heartbeatInterval = 10 * time.Second

// gitleaksOptions is the tool configuration shape the secrets adapter accepts
// from a run's opaque config blob.
type gitleaksOptions struct {
	// ConfigTOML overrides the embedded default ruleset with a full gitleaks
	// TOML configuration.
	ConfigTOML string `json:"config_toml,omitempty"`

	// FailOnFindings makes any finding an unsuccessful scan. Off by default:
	// most pipelines record findings and gate elsewhere.
	FailOnFindings bool `json:"fail_on_findings,omitempty"`
}

// GitleaksTool runs the gitleaks detection engine over a provisioned working
// tree's git history.
type GitleaksTool struct {
	heartbeat domain.Heartbeater

	logger *logger.Logger
	tracer trace.Tracer
}

var _ domain.ScanTool = (*GitleaksTool)(nil)

// NewGitleaksTool creates the secrets tool adapter.
func NewGitleaksTool(heartbeat domain.Heartbeater, logger *logger.Logger, tracer trace.Tracer) *GitleaksTool {
	return &GitleaksTool{
		heartbeat: heartbeat,
		logger:    logger.With("component", "gitleaks_tool"),
		tracer:    tracer,
	}
}

// Kind identifies the tool requests this adapter serves.
func (t *GitleaksTool) Kind() domain.ToolKind { return domain.ToolKindSecrets }

// Scan runs gitleaks against the run's workspace and writes a JSON report
// next to the working tree.
func (t *GitleaksTool) Scan(ctx context.Context, run *domain.Run) (domain.Result, error) {
	ctx, span := t.tracer.Start(ctx, "gitleaks_tool.scan",
		trace.WithAttributes(
			attribute.String("run_id", run.ID()),
			attribute.String("workspace_path", run.WorkspacePath()),
		))
	defer span.End()

	var opts gitleaksOptions
	if raw := run.Request().ToolConfig; len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return domain.Result{}, fmt.Errorf("decoding gitleaks tool config: %w", err)
		}
	}

	detector, err := newDetector(opts)
	if err != nil {
		span.RecordError(err)
		return domain.Result{}, err
	}

	gitCmd, err := sources.NewGitLogCmd(run.WorkspacePath(), "")
	if err != nil {
		span.RecordError(err)
		return domain.Result{}, fmt.Errorf("creating git log command: %w", err)
	}

	stopHeartbeat := t.startHeartbeat(ctx, run.ID())
	defer stopHeartbeat()

	span.AddEvent("detection_started")
	findings, err := detector.DetectGit(gitCmd, &detect.RemoteInfo{Platform: scm.NoPlatform})
	if err != nil {
		span.RecordError(err)
		return domain.Result{}, fmt.Errorf("detecting secrets: %w", err)
	}
	span.AddEvent("detection_completed", trace.WithAttributes(attribute.Int("findings", len(findings))))

	reportPath, err := t.writeReport(run.WorkspacePath(), findings)
	if err != nil {
		span.RecordError(err)
		return domain.Result{}, err
	}

	success := !opts.FailOnFindings || len(findings) == 0
	t.logger.Info(ctx, "Gitleaks scan finished",
		"run_id", run.ID(), "findings", len(findings), "success", success)

	return domain.Result{
		RunID:       run.ID(),
		Tool:        domain.ToolKindSecrets,
		Success:     success,
		Findings:    len(findings),
		ReportPath:  reportPath,
		CompletedAt: time.Now().UTC(),
	}, nil
}

// startHeartbeat emits liveness signals while detection runs and returns a
// stop function.
func (t *GitleaksTool) startHeartbeat(ctx context.Context, runID string) func() {
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

// writeReport stores the findings as JSON at the workspace root, where the
// result store uploads artifacts from.
func (t *GitleaksTool) writeReport(workspacePath string, findings []report.Finding) (string, error) {
	path := filepath.Join(workspacePath, "gitleaks-report.json")

	data, err := json.MarshalIndent(findings, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding findings report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("writing findings report: %w", err)
	}
	return path, nil
}

// newDetector builds a gitleaks detector from the embedded default ruleset or
// a caller-supplied TOML override.
func newDetector(opts gitleaksOptions) (*detect.Detector, error) {
	raw := config.DefaultConfig
	if opts.ConfigTOML != "" {
		raw = opts.ConfigTOML
	}

	v := viper.New()
	v.SetConfigType("toml")
	if err := v.ReadConfig(bytes.NewBufferString(raw)); err != nil {
		return nil, fmt.Errorf("reading gitleaks config: %w", err)
	}

	var vc config.ViperConfig
	if err := v.Unmarshal(&vc); err != nil {
		return nil, fmt.Errorf("unmarshaling gitleaks config: %w", err)
	}

	cfg, err := vc.Translate()
	if err != nil {
		return nil, fmt.Errorf("translating gitleaks config: %w", err)
	}

	return detect.NewDetector(cfg), nil
}

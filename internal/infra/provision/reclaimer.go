package provision

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/mehab/SecurityScansWithTemporal-sub000/internal/domain/pipeline"
	"github.com/mehab/SecurityScansWithTemporal-sub000/pkg/common/logger"
)

// WorkspaceReclaimer deletes workspaces after successful runs.
type WorkspaceReclaimer struct {
	logger *logger.Logger
	tracer trace.Tracer
}

var _ domain.Reclaimer = (*WorkspaceReclaimer)(nil)

// NewWorkspaceReclaimer creates a reclaimer.
func NewWorkspaceReclaimer(logger *logger.Logger, tracer trace.Tracer) *WorkspaceReclaimer {
	return &WorkspaceReclaimer{
		logger: logger.With("component", "workspace_reclaimer"),
		tracer: tracer,
	}
}

// Reclaim removes the workspace subtree. A path that is already gone counts
// as reclaimed.
func (r *WorkspaceReclaimer) Reclaim(ctx context.Context, workspacePath string) error {
	ctx, span := r.tracer.Start(ctx, "workspace_reclaimer.reclaim",
		trace.WithAttributes(attribute.String("workspace_path", workspacePath)))
	defer span.End()

	if _, err := os.Stat(workspacePath); os.IsNotExist(err) {
		span.AddEvent("workspace_already_gone")
		return nil
	}

	if err := os.RemoveAll(workspacePath); err != nil {
		span.RecordError(err)
		return fmt.Errorf("reclaiming workspace %s: %w", workspacePath, err)
	}

	span.AddEvent("workspace_reclaimed")
	r.logger.Debug(ctx, "Workspace reclaimed", "path", workspacePath)
	return nil
}

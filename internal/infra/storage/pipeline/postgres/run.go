// Package postgres persists pipeline runs in PostgreSQL. The store is the
// durable half of the execution substrate: a worker resuming a run
// reconstructs the aggregate from this table and continues from the persisted
// status.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mehab/SecurityScansWithTemporal-sub000/internal/domain/failure"
	"github.com/mehab/SecurityScansWithTemporal-sub000/internal/domain/pipeline"
	"github.com/mehab/SecurityScansWithTemporal-sub000/internal/infra/storage"
)

// defaultDBAttributes defines standard OpenTelemetry attributes for
// PostgreSQL operations.
var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

const uniqueViolation = "23505"

var (
	_ pipeline.RunRepository = (*RunStore)(nil)
	_ pipeline.RunHistory    = (*RunStore)(nil)
	_ pipeline.Heartbeater   = (*RunStore)(nil)
)

// RunStore implements the run repository, the run history and the heartbeat
// sink against one pipeline_runs table.
type RunStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewRunStore creates a PostgreSQL-backed run store.
func NewRunStore(pool *pgxpool.Pool, tracer trace.Tracer) *RunStore {
	return &RunStore{pool: pool, tracer: tracer}
}

// CreateRun inserts a newly admitted run. A primary key collision maps to
// ErrRunExists, which callers treat as idempotent re-entry.
func (s *RunStore) CreateRun(ctx context.Context, run *pipeline.Run) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("method", "CreateRun"),
		attribute.String("run_id", run.ID()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.pipeline_runs.create", dbAttrs, func(ctx context.Context) error {
		resultJSON, metadataJSON, err := encodeRun(run)
		if err != nil {
			return err
		}

		_, err = s.pool.Exec(ctx, `
			INSERT INTO pipeline_runs (
				id, attempt_id, lane, workspace_path, captured_input,
				status, succeeded, classification, restart_required,
				result, metadata, started_at, completed_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())`,
			run.ID(),
			run.AttemptID(),
			run.Lane().String(),
			run.WorkspacePath(),
			run.CapturedInput(),
			run.Status().String(),
			run.Succeeded(),
			nullableString(run.Classification().String()),
			run.RestartRequired(),
			resultJSON,
			metadataJSON,
			run.StartTime(),
			nullableTime(run.EndTime()),
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return pipeline.ErrRunExists
			}
			return fmt.Errorf("inserting run %s: %w", run.ID(), err)
		}
		return nil
	})
}

// UpdateRun replaces the persisted state of a known run.
func (s *RunStore) UpdateRun(ctx context.Context, run *pipeline.Run) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("method", "UpdateRun"),
		attribute.String("run_id", run.ID()),
		attribute.String("status", run.Status().String()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.pipeline_runs.update", dbAttrs, func(ctx context.Context) error {
		resultJSON, metadataJSON, err := encodeRun(run)
		if err != nil {
			return err
		}

		// attempt_id is updated too: a run reset in place for an
		// original-identity restart carries a fresh attempt id.
		tag, err := s.pool.Exec(ctx, `
			UPDATE pipeline_runs SET
				attempt_id = $2,
				status = $3,
				succeeded = $4,
				classification = $5,
				restart_required = $6,
				result = $7,
				metadata = $8,
				completed_at = $9,
				updated_at = NOW()
			WHERE id = $1`,
			run.ID(),
			run.AttemptID(),
			run.Status().String(),
			run.Succeeded(),
			nullableString(run.Classification().String()),
			run.RestartRequired(),
			resultJSON,
			metadataJSON,
			nullableTime(run.EndTime()),
		)
		if err != nil {
			return fmt.Errorf("updating run %s: %w", run.ID(), err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("updating run %s: %w", run.ID(), pipeline.ErrRunNotFound)
		}
		return nil
	})
}

// GetRun loads a run by identity.
func (s *RunStore) GetRun(ctx context.Context, id string) (*pipeline.Run, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("method", "GetRun"),
		attribute.String("run_id", id),
	)

	var run *pipeline.Run
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.pipeline_runs.get", dbAttrs, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, selectRunColumns+` FROM pipeline_runs WHERE id = $1`, id)

		var err error
		run, err = scanRun(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns runs matching the filter, newest first.
func (s *RunStore) ListRuns(ctx context.Context, filter pipeline.RunFilter) ([]*pipeline.Run, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("method", "ListRuns"),
	)

	query := selectRunColumns + ` FROM pipeline_runs WHERE 1=1`
	args := []any{}

	if filter.Status != "" {
		args = append(args, filter.Status.String())
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.Lane != "" {
		args = append(args, filter.Lane.String())
		query += fmt.Sprintf(" AND lane = $%d", len(args))
	}
	if filter.RestartRequired != nil {
		args = append(args, *filter.RestartRequired)
		query += fmt.Sprintf(" AND restart_required = $%d", len(args))
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var runs []*pipeline.Run
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.pipeline_runs.list", dbAttrs, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("listing runs: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			run, err := scanRun(rows)
			if err != nil {
				return err
			}
			runs = append(runs, run)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// RunInput retrieves the captured original request bytes for a run.
func (s *RunStore) RunInput(ctx context.Context, id string) ([]byte, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("method", "RunInput"),
		attribute.String("run_id", id),
	)

	var input []byte
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.pipeline_runs.input", dbAttrs, func(ctx context.Context) error {
		err := s.pool.QueryRow(ctx, `SELECT captured_input FROM pipeline_runs WHERE id = $1`, id).Scan(&input)
		if errors.Is(err, pgx.ErrNoRows) {
			return pipeline.ErrRunNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return input, nil
}

// Heartbeat records worker liveness for an in-flight run.
func (s *RunStore) Heartbeat(ctx context.Context, runID string, detail string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE pipeline_runs SET last_heartbeat_at = NOW(), heartbeat_detail = $2
		WHERE id = $1`,
		runID, detail)
	if err != nil {
		return fmt.Errorf("recording heartbeat for %s: %w", runID, err)
	}
	return nil
}

const selectRunColumns = `
	SELECT id, attempt_id, lane, workspace_path, captured_input,
	       status, succeeded, classification, restart_required,
	       result, metadata, started_at, completed_at`

// scanRun reconstructs a domain run from a pipeline_runs row.
func scanRun(row pgx.Row) (*pipeline.Run, error) {
	var (
		id              string
		attemptID       uuid.UUID
		lane            string
		workspacePath   string
		capturedInput   []byte
		status          string
		succeeded       bool
		classification  *string
		restartRequired bool
		resultJSON      []byte
		metadataJSON    []byte
		startedAt       time.Time
		completedAt     *time.Time
	)

	err := row.Scan(
		&id, &attemptID, &lane, &workspacePath, &capturedInput,
		&status, &succeeded, &classification, &restartRequired,
		&resultJSON, &metadataJSON, &startedAt, &completedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, pipeline.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning run row: %w", err)
	}

	var result *pipeline.Result
	if len(resultJSON) > 0 {
		result = new(pipeline.Result)
		if err := json.Unmarshal(resultJSON, result); err != nil {
			return nil, fmt.Errorf("decoding result for run %s: %w", id, err)
		}
	}

	metadata := make(map[string]string)
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata for run %s: %w", id, err)
		}
	}

	var class failure.Classification
	if classification != nil {
		class, _ = failure.ParseClassification(*classification)
	}

	var endTime time.Time
	if completedAt != nil {
		endTime = *completedAt
	}

	return pipeline.ReconstructRun(
		id,
		attemptID,
		pipeline.Lane(lane),
		workspacePath,
		capturedInput,
		pipeline.ParseRunStatus(status),
		succeeded,
		class,
		restartRequired,
		result,
		metadata,
		startedAt,
		endTime,
	)
}

// encodeRun serializes the run's result and metadata for storage.
func encodeRun(run *pipeline.Run) (resultJSON, metadataJSON []byte, err error) {
	if res := run.Result(); res != nil {
		resultJSON, err = json.Marshal(res)
		if err != nil {
			return nil, nil, fmt.Errorf("encoding result for run %s: %w", run.ID(), err)
		}
	}

	metadataJSON, err = json.Marshal(run.Metadata())
	if err != nil {
		return nil, nil, fmt.Errorf("encoding metadata for run %s: %w", run.ID(), err)
	}
	return resultJSON, metadataJSON, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Package results persists run outcomes to object storage. The store is the
// external system of record consumers read scan outcomes from; the run's own
// terminal state lives in the run store regardless of what happens here.
package results

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/mehab/SecurityScansWithTemporal-sub000/internal/domain/pipeline"
	"github.com/mehab/SecurityScansWithTemporal-sub000/pkg/common/logger"
)

// Config holds the object store connection settings.
type Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
}

// Store writes run results to a MinIO/S3 bucket: a summary JSON document per
// run, plus the tool's report artifact when one exists on the workspace.
type Store struct {
	client *minio.Client
	bucket string

	logger *logger.Logger
	tracer trace.Tracer
}

var _ domain.ResultStore = (*Store)(nil)

// NewStore creates a result store against the configured bucket.
func NewStore(cfg Config, logger *logger.Logger, tracer trace.Tracer) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("creating object store client: %w", err)
	}

	return &Store{
		client: client,
		bucket: cfg.Bucket,
		logger: logger.With("component", "result_store"),
		tracer: tracer,
	}, nil
}

// EnsureBucket creates the configured bucket if it does not exist. Called
// once at startup.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("checking bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("creating bucket %s: %w", s.bucket, err)
	}
	return nil
}

// StoreResult uploads the result summary keyed by run identity, then the
// report artifact if the tool produced one. A missing report file is not an
// error: a failed tool may never have written it.
func (s *Store) StoreResult(ctx context.Context, result domain.Result) error {
	ctx, span := s.tracer.Start(ctx, "result_store.store_result",
		trace.WithAttributes(
			attribute.String("run_id", result.RunID),
			attribute.Bool("success", result.Success),
		))
	defer span.End()

	summary, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding result summary: %w", err)
	}

	summaryKey := path.Join("runs", result.RunID, "result.json")
	if _, err := s.client.PutObject(
		ctx,
		s.bucket,
		summaryKey,
		bytes.NewReader(summary),
		int64(len(summary)),
		minio.PutObjectOptions{ContentType: "application/json"},
	); err != nil {
		span.RecordError(err)
		return fmt.Errorf("storing result summary for %s: %w", result.RunID, err)
	}
	span.AddEvent("summary_stored", trace.WithAttributes(attribute.String("object_key", summaryKey)))

	if result.ReportPath == "" {
		return nil
	}
	if _, err := os.Stat(result.ReportPath); err != nil {
		s.logger.Debug(ctx, "No report artifact to upload", "run_id", result.RunID, "path", result.ReportPath)
		return nil
	}

	reportKey := path.Join("runs", result.RunID, path.Base(result.ReportPath))
	if _, err := s.client.FPutObject(
		ctx,
		s.bucket,
		reportKey,
		result.ReportPath,
		minio.PutObjectOptions{ContentType: "application/json"},
	); err != nil {
		span.RecordError(err)
		return fmt.Errorf("storing report artifact for %s: %w", result.RunID, err)
	}
	span.AddEvent("report_stored", trace.WithAttributes(attribute.String("object_key", reportKey)))

	s.logger.Info(ctx, "Result stored", "run_id", result.RunID, "summary_key", summaryKey)
	return nil
}

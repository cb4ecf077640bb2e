package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	apppipeline "github.com/mehab/SecurityScansWithTemporal-sub000/internal/app/pipeline"
	"github.com/mehab/SecurityScansWithTemporal-sub000/internal/config/fileloader"
	domain "github.com/mehab/SecurityScansWithTemporal-sub000/internal/domain/pipeline"
	"github.com/mehab/SecurityScansWithTemporal-sub000/internal/infra/dispatch/kafka"
	"github.com/mehab/SecurityScansWithTemporal-sub000/internal/infra/provision"
	"github.com/mehab/SecurityScansWithTemporal-sub000/internal/infra/results"
	"github.com/mehab/SecurityScansWithTemporal-sub000/internal/infra/scanner"
	runstore "github.com/mehab/SecurityScansWithTemporal-sub000/internal/infra/storage/pipeline/postgres"
	"github.com/mehab/SecurityScansWithTemporal-sub000/pkg/common"
	"github.com/mehab/SecurityScansWithTemporal-sub000/pkg/common/logger"
	"github.com/mehab/SecurityScansWithTemporal-sub000/pkg/common/otel"
)

const serviceType = "worker"

func main() {
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		log.Fatalf("failed to get hostname: %v", err)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}

			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n",
				r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	svcName := fmt.Sprintf("WORKER-%s", hostname)
	metadata := map[string]string{
		"service":   svcName,
		"hostname":  hostname,
		"pod":       os.Getenv("POD_NAME"),
		"namespace": os.Getenv("POD_NAMESPACE"),
		"app":       serviceType,
	}

	logg := logger.NewWithMetadata(os.Stdout, logger.LevelDebug, svcName, traceIDFn, logEvents, metadata)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prob, err := strconv.ParseFloat(os.Getenv("OTEL_SAMPLING_RATIO"), 64)
	if err != nil {
		logg.Error(ctx, "failed to parse OTEL_SAMPLING_RATIO", "error", err)
		os.Exit(1)
	}
	tp, telemetryTeardown, err := otel.InitTelemetry(logg, otel.Config{
		ServiceName:      os.Getenv("OTEL_SERVICE_NAME"),
		ExporterEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ExcludedRoutes: map[string]struct{}{
			"/v1/health":    {},
			"/v1/readiness": {},
		},
		Probability: prob,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"k8s.pod.name":     os.Getenv("POD_NAME"),
			"k8s.namespace":    os.Getenv("POD_NAMESPACE"),
			"k8s.container.id": hostname,
		},
		InsecureExporter: true,
	})
	if err != nil {
		logg.Error(ctx, "failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer telemetryTeardown(ctx)

	tracer := tp.Tracer(os.Getenv("OTEL_SERVICE_NAME"))

	ready := &atomic.Bool{}
	healthServer := common.NewHealthServer(ready)
	defer func() {
		if err := healthServer.Server().Shutdown(ctx); err != nil {
			logg.Error(ctx, "Error shutting down health server", "error", err)
		}
	}()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "/etc/scan-pipeline/config.yaml"
	}
	cfg, err := fileloader.NewFileLoader(cfgPath).Load(ctx)
	if err != nil {
		logg.Error(ctx, "failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	if cfg.Pipeline.WorkspaceRoot == "" {
		logg.Error(ctx, "pipeline.workspace_root must be configured")
		os.Exit(1)
	}

	pool, err := openPool(ctx)
	if err != nil {
		logg.Error(ctx, "failed to open db", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	runStore := runstore.NewRunStore(pool, tracer)

	resultStore, err := results.NewStore(results.Config{
		Endpoint:  os.Getenv("MINIO_ENDPOINT"),
		AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("MINIO_SECRET_KEY"),
		UseSSL:    os.Getenv("MINIO_USE_SSL") == "true",
		Bucket:    os.Getenv("MINIO_BUCKET"),
	}, logg, tracer)
	if err != nil {
		logg.Error(ctx, "failed to create result store", "error", err)
		os.Exit(1)
	}
	if err := resultStore.EnsureBucket(ctx); err != nil {
		logg.Error(ctx, "failed to ensure result bucket", "error", err)
		os.Exit(1)
	}

	prober := provision.NewStorageProber()
	provisioner := provision.NewGitProvisioner(prober, logg, tracer)
	reclaimer := provision.NewWorkspaceReclaimer(logg, tracer)

	tools := []domain.ScanTool{scanner.NewGitleaksTool(runStore, logg, tracer)}
	var execTools []*scanner.ExecTool
	for _, spec := range cfg.Tools {
		tool := scanner.NewExecTool(domain.ToolKind(spec.Kind), spec.Binary, runStore, logg, tracer)
		execTools = append(execTools, tool)
		tools = append(tools, tool)
	}

	// A failed preflight is a deployment fault. The worker refuses to serve
	// rather than classify its own broken environment as run failures.
	if err := preflight(ctx, cfg.Pipeline.WorkspaceRoot, prober, execTools); err != nil {
		logg.Error(ctx, "preflight failed, refusing to start", "error", err)
		os.Exit(1)
	}

	mp := otel.GetMeterProvider()
	pipelineMetrics, err := apppipeline.NewPipelineMetrics(mp)
	if err != nil {
		logg.Error(ctx, "failed to create pipeline metrics", "error", err)
		os.Exit(1)
	}

	var extraLanes []domain.Lane
	for _, l := range cfg.Routing.ExtraLanes {
		extraLanes = append(extraLanes, domain.Lane(l))
	}
	router := apppipeline.NewLaneRouter(logg, extraLanes...)

	admission := apppipeline.NewAdmissionController(apppipeline.AdmissionConfig{
		MaxWorkspaceBytes:  cfg.Admission.MaxWorkspaceBytes,
		DefaultSourceBytes: cfg.Admission.DefaultSourceBytes,
	}, provision.NewStatfsDiskUsage(), logg, tracer)

	controller := apppipeline.NewController(
		apppipeline.ControllerConfig{
			WorkspaceRoot:     cfg.Pipeline.WorkspaceRoot,
			MaxStepAttempts:   cfg.Pipeline.MaxStepAttempts,
			CancelGracePeriod: cfg.Pipeline.CancelGracePeriod.Std(),
		},
		runStore,
		provisioner,
		tools,
		resultStore,
		reclaimer,
		runStore,
		admission,
		router,
		logg,
		tracer,
		pipelineMetrics,
	)

	kafkaCfg := &kafka.Config{
		Brokers:     strings.Split(os.Getenv("KAFKA_BROKERS"), ","),
		TopicPrefix: os.Getenv("KAFKA_TOPIC_PREFIX"),
		GroupID:     os.Getenv("KAFKA_GROUP_ID"),
		ClientID:    svcName,
	}
	kafkaClient, err := kafka.ConnectWithRetry(kafkaCfg, logg)
	if err != nil {
		logg.Error(ctx, "failed to connect to kafka", "error", err)
		os.Exit(1)
	}
	defer kafkaClient.Close()

	dispatchMetrics, err := kafka.NewDispatchMetrics(mp)
	if err != nil {
		logg.Error(ctx, "failed to create dispatch metrics", "error", err)
		os.Exit(1)
	}

	lanes := []domain.Lane{domain.LaneDefault}
	if len(cfg.Routing.WorkerLanes) > 0 {
		lanes = lanes[:0]
		for _, l := range cfg.Routing.WorkerLanes {
			lanes = append(lanes, domain.Lane(l))
		}
	}

	consumer, err := kafka.NewConsumer(kafkaClient, kafkaCfg, lanes, controller, logg, dispatchMetrics, tracer)
	if err != nil {
		logg.Error(ctx, "failed to create consumer", "error", err)
		os.Exit(1)
	}

	logg.Info(ctx, "Worker initialized", "lanes", lanes, "workspace_root", cfg.Pipeline.WorkspaceRoot)
	ready.Store(true)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx) })

	errCh := make(chan error, 1)
	go func() {
		if err := g.Wait(); err != nil && ctx.Err() == nil {
			errCh <- err
		}
	}()

	select {
	case sig := <-sigCh:
		logg.Info(ctx, "Received shutdown signal", "signal", sig)
		ready.Store(false)
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := consumer.Close(); err != nil {
			logg.Error(shutdownCtx, "Failed to close consumer", "error", err)
		}

	case err := <-errCh:
		logg.Error(ctx, "Consumer error", "error", err)
		os.Exit(1)
	}
}

// openPool connects to Postgres using DATABASE_URL or the discrete POSTGRES_*
// variables.
func openPool(ctx context.Context) (*pgxpool.Pool, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		user := os.Getenv("POSTGRES_USER")
		password := os.Getenv("POSTGRES_PASSWORD")
		host := os.Getenv("POSTGRES_HOST")
		dbname := os.Getenv("POSTGRES_DB")

		if user == "" {
			user = "postgres"
		}
		if password == "" {
			password = "postgres"
		}
		if host == "" {
			host = "postgres"
		}
		if dbname == "" {
			dbname = "scanpipeline"
		}

		dsn = fmt.Sprintf("postgres://%s:%s@%s:5432/%s?sslmode=disable",
			user, password, host, dbname)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing db config: %w", err)
	}
	poolCfg.MinConns = 5
	poolCfg.MaxConns = 20
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	return pgxpool.NewWithConfig(ctx, poolCfg)
}

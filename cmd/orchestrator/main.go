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
	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/automaxprocs/maxprocs"

	apppipeline "github.com/mehab/SecurityScansWithTemporal-sub000/internal/app/pipeline"
	"github.com/mehab/SecurityScansWithTemporal-sub000/internal/app/restart"
	"github.com/mehab/SecurityScansWithTemporal-sub000/internal/config/fileloader"
	domain "github.com/mehab/SecurityScansWithTemporal-sub000/internal/domain/pipeline"
	"github.com/mehab/SecurityScansWithTemporal-sub000/internal/infra/cluster/kubernetes"
	"github.com/mehab/SecurityScansWithTemporal-sub000/internal/infra/dispatch/kafka"
	"github.com/mehab/SecurityScansWithTemporal-sub000/internal/infra/provision"
	runstore "github.com/mehab/SecurityScansWithTemporal-sub000/internal/infra/storage/pipeline/postgres"
	"github.com/mehab/SecurityScansWithTemporal-sub000/pkg/common"
	"github.com/mehab/SecurityScansWithTemporal-sub000/pkg/common/logger"
	"github.com/mehab/SecurityScansWithTemporal-sub000/pkg/common/otel"
)

const serviceType = "orchestrator"

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

	svcName := fmt.Sprintf("ORCHESTRATOR-%s", hostname)
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

	pool, err := openPool(ctx)
	if err != nil {
		logg.Error(ctx, "failed to open db", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := runMigrations(ctx, pool); err != nil {
		logg.Error(ctx, "failed to run migrations", "error", err)
		os.Exit(1)
	}
	logg.Info(ctx, "Migrations applied successfully. Starting application...")

	runStore := runstore.NewRunStore(pool, tracer)

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

	mp := otel.GetMeterProvider()
	dispatchMetrics, err := kafka.NewDispatchMetrics(mp)
	if err != nil {
		logg.Error(ctx, "failed to create dispatch metrics", "error", err)
		os.Exit(1)
	}

	dispatcher, err := kafka.NewDispatcher(kafkaClient, kafkaCfg, logg, dispatchMetrics, tracer)
	if err != nil {
		logg.Error(ctx, "failed to create dispatcher", "error", err)
		os.Exit(1)
	}
	defer dispatcher.Close()

	var extraLanes []domain.Lane
	for _, l := range cfg.Routing.ExtraLanes {
		extraLanes = append(extraLanes, domain.Lane(l))
	}
	router := apppipeline.NewLaneRouter(logg, extraLanes...)

	restartMetrics, err := restart.NewRestartMetrics(mp)
	if err != nil {
		logg.Error(ctx, "failed to create restart metrics", "error", err)
		os.Exit(1)
	}

	coordinator := restart.NewCoordinator(
		restart.Config{
			SweepInterval:     cfg.Restart.SweepInterval.Std(),
			BatchLimit:        cfg.Restart.BatchLimit,
			RestartsPerSecond: cfg.Restart.RestartsPerSecond,
			RestartBurst:      cfg.Restart.RestartBurst,
			ReuseIdentity:     cfg.Restart.ReuseIdentity,
			WorkspaceRoot:     cfg.Pipeline.WorkspaceRoot,
		},
		runStore,
		runStore,
		dispatcher,
		provision.NewStorageProber(),
		router,
		logg,
		tracer,
		restartMetrics,
	)

	podName := os.Getenv("POD_NAME")
	if podName == "" {
		logg.Error(ctx, "POD_NAME environment variable must be set")
		os.Exit(1)
	}
	namespace := os.Getenv("POD_NAMESPACE")
	if namespace == "" {
		logg.Error(ctx, "POD_NAMESPACE environment variable must be set")
		os.Exit(1)
	}

	k8sCfg := &kubernetes.K8sConfig{
		Name:         serviceType,
		Namespace:    namespace,
		LeaderLockID: "orchestrator-leader-lock",
		Identity:     podName,
	}
	coord, err := kubernetes.NewCoordinator(hostname, k8sCfg, logg, tracer)
	if err != nil {
		logg.Error(ctx, "failed to create coordinator", "error", err)
		os.Exit(1)
	}
	defer coord.Stop()

	// Only the leader runs the restart sweep. Losing the lease cancels the
	// sweep loop; regaining it starts a fresh one.
	var sweepCancel context.CancelFunc
	coord.OnLeadershipChange(func(isLeader bool) {
		if isLeader {
			sweepCtx, cancelFn := context.WithCancel(ctx)
			sweepCancel = cancelFn
			go func() {
				if err := coordinator.Run(sweepCtx); err != nil && sweepCtx.Err() == nil {
					logg.Error(sweepCtx, "Restart sweep loop exited", "error", err)
				}
			}()
			return
		}
		if sweepCancel != nil {
			sweepCancel()
			sweepCancel = nil
		}
	})

	logg.Info(ctx, "Orchestrator initialized")
	ready.Store(true)

	errCh := make(chan error, 1)
	go func() {
		if err := coord.Start(ctx); err != nil {
			errCh <- err
		}
	}()

	select {
	case sig := <-sigCh:
		logg.Info(ctx, "Received shutdown signal", "signal", sig)
		ready.Store(false)
		cancel()

	case err := <-errCh:
		logg.Error(ctx, "Coordinator error", "error", err)
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
	poolCfg.MinConns = 2
	poolCfg.MaxConns = 10
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	return pgxpool.NewWithConfig(ctx, poolCfg)
}

// TODO: consider moving this to an init container.
// runMigrations uses golang-migrate to apply all up migrations from "db/migrations".
func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("could not acquire connection: %w", err)
	}
	defer conn.Release()

	db := stdlib.OpenDBFromPool(pool)

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("could not create pgx driver: %w", err)
	}

	const migrationsPath = "file:///app/db/migrations"
	m, err := migrate.NewWithDatabaseInstance(migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration up failed: %w", err)
	}

	return nil
}

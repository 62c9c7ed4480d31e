package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"LendLedger/internal/config"
	"LendLedger/internal/core"
	"LendLedger/internal/ingestion"
	"LendLedger/internal/observability"
	"LendLedger/internal/persistence"
	"LendLedger/internal/projection"
	"LendLedger/internal/query"
	"LendLedger/internal/server"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	level := observability.ParseLogLevel(cfg.LogLevel)
	logger := observability.NewLoggerWithLevel("main", level)

	if err := run(cfg, level, logger); err != nil {
		logger.Fatal().Err(err).Msg("LendLedger stopped")
	}
	logger.Info().Msg("LendLedger shutdown complete")
}

func run(cfg config.Config, level zerolog.Level, logger zerolog.Logger) error {
	logger.Info().Msg("LendLedger starting")
	if os.Getenv("GOGC") == "" {
		logger.Warn().Msg("GOGC not set, recommend GOGC=400 for production")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	applied, err := persistence.NewMigrator(db, cfg.MigrationsDir).Up(ctx)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info().Int("applied", applied).Msg("migrations up to date")

	// --- Engine ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()
	snapMgr := persistence.NewSnapshotManager(db)
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)

	// The persist channel blocks (backpressure); the projection channel drops.
	persistCoreChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)

	engine := core.NewEngine(0, persistCoreChan, projectionChan, dbChecker, metrics,
		core.WithLRUCapacity(cfg.IdempotencyLRUCapacity),
		core.WithLogger(observability.NewLoggerWithLevel("core", level)),
	)
	if err := recoverEngine(ctx, engine, db, snapMgr, dbChecker, cfg.IdempotencyLRUCapacity, metrics, logger); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL)
	if err != nil {
		return err
	}
	defer nc.Close()
	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		return err
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		return err
	}

	healthChecker.AddCheck("postgres", db.PingContext)
	healthChecker.AddCheck("nats", func(context.Context) error {
		if st := nc.Status(); st != nats.CONNECTED {
			return fmt.Errorf("nats %s", st)
		}
		return nil
	})

	// Workers outlive ingestion so queued outputs drain before exit.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	var workers sync.WaitGroup
	errChan := make(chan error, 8)
	goWorker := func(name string, fn func() error) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	recordChan := make(chan persistence.Record, cfg.PersistChanSize)
	publishChan := make(chan ingestion.PublishableEvent, cfg.PersistChanSize)

	persistWorker := persistence.NewPersistenceWorker(db, recordChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics)
	projWorker := projection.NewProjectionWorker(db, projectionChan, metrics)
	publisher := ingestion.NewOutboundPublisher(js, publishChan)
	b := &bridge{
		in:      persistCoreChan,
		records: recordChan,
		publish: publishChan,
		metrics: metrics,
		logger:  observability.NewLoggerWithLevel("bridge", level),
	}

	goWorker("persistence", func() error { return persistWorker.Run(workerCtx) })
	goWorker("projection", func() error { return projWorker.Run(workerCtx) })
	goWorker("publisher", func() error { return publisher.Run(workerCtx) })
	goWorker("bridge", func() error { return b.Run(workerCtx) })

	snaps := &snapshotter{
		engine:      engine,
		snapMgr:     snapMgr,
		metrics:     metrics,
		logger:      observability.NewLoggerWithLevel("snapshot", level),
		persistWait: 10 * time.Second,
	}
	go snaps.Run(ctx, cfg.SnapshotInterval, cfg.SnapshotCheckEvery)

	// --- Ingestion ---
	rawChan := make(chan ingestion.RawEvent, cfg.IngestChanSize)
	subscriber := ingestion.NewNATSSubscriber(js, rawChan)
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		return err
	}
	ingestDone := make(chan struct{})
	go func() {
		defer close(ingestDone)
		ingestion.RunIngestionLoop(ctx, rawChan, engine, metrics, observability.NewLoggerWithLevel("ingestion", level))
	}()

	// --- gRPC + HTTP gateway ---
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		Engine:        engine,
		QueryService:  query.NewQueryService(db),
		IngestService: ingestion.NewGRPCIngestService(engine),
		SnapshotMgr:   snapMgr,
		TakeSnapshot:  snaps.Take,
		BlocksPerYear: cfg.BlocksPerYear,
		StartTime:     time.Now(),
		HealthChecker: healthChecker,
		Metrics:       metrics,
	})
	var servers sync.WaitGroup
	serve := func(name string, fn func(context.Context) error) {
		servers.Add(1)
		go func() {
			defer servers.Done()
			if err := fn(ctx); err != nil {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}
	serve("grpc", grpcServer.StartGRPC)
	serve("http gateway", grpcServer.StartHTTPGateway)
	serve("metrics", func(ctx context.Context) error { return serveMetrics(ctx, cfg.MetricsAddr) })

	grpcServer.SetServing(true)
	healthChecker.SetReady(true)
	logger.Info().Int64("next_sequence", engine.GetSequence()).Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).Str("metrics", cfg.MetricsAddr).Msg("LendLedger ready")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("signal received, shutting down")
	case runErr = <-errChan:
		logger.Error().Err(runErr).Msg("component failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop every command source, then close the engine's outputs so the
	// workers drain them, then take a final snapshot over a complete log.
	healthChecker.SetReady(false)
	grpcServer.SetServing(false)
	stop()
	subscriber.Stop()
	<-ingestDone
	servers.Wait()

	close(persistCoreChan)
	close(projectionChan)

	drained := make(chan struct{})
	go func() {
		workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(shutdownTimeout):
		logger.Error().Msg("workers did not drain in time")
		cancelWorkers()
		<-drained
	}

	finalCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if seq, err := snaps.Take(finalCtx); err != nil && !errors.Is(err, errEmptyLog) {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else if err == nil {
		logger.Info().Int64("sequence", seq).Msg("final snapshot saved")
	}
	return runErr
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

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

	"DonationLedger/internal/bridge"
	"DonationLedger/internal/config"
	"DonationLedger/internal/core"
	"DonationLedger/internal/event"
	"DonationLedger/internal/ingestion"
	"DonationLedger/internal/ledger"
	"DonationLedger/internal/observability"
	"DonationLedger/internal/persistence"
	"DonationLedger/internal/projection"
	"DonationLedger/internal/query"
	"DonationLedger/internal/server"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// integrityCheckSpec is how often the hash chain and pool projection are
// verified against the event log.
const integrityCheckSpec = "@every 1h"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load config: %v\n", err)
		os.Exit(1)
	}

	level := observability.ParseLogLevel(cfg.LogLevel)
	logger := observability.NewLoggerWithLevel("main", level)
	componentLogger := func(name string) zerolog.Logger {
		return observability.NewLoggerWithLevel(name, level)
	}
	logger.Info().Msg("DonationLedger starting")

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("postgres ping")
	}
	logger.Info().Msg("Postgres connected")

	// --- Run SQL migrations ---
	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, componentLogger("migrate"))
	if err := migrator.Up(ctx); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}

	snapMgr := persistence.NewSnapshotManager(db)
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()

	// --- Channels ---
	// Persist channel blocks (backpressure), projection and publish channels drop.
	persistCoreChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionCoreChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)
	persistWorkerChan := make(chan persistence.CoreOutput, cfg.PersistChanSize)
	projectionWorkerChan := make(chan projection.ProjectionOutput, cfg.ProjectionChanSize)
	publishChan := make(chan ingestion.PublishableEvent, cfg.PublishChanSize)

	// --- Host ---
	host := core.NewHost(core.HostConfig{
		LRUCapacity:    cfg.IdempotencyLRUCapacity,
		AuditInterval:  core.DefaultAuditInterval,
		PersistChan:    persistCoreChan,
		ProjectionChan: projectionCoreChan,
		DBChecker:      dbChecker,
		Metrics:        metrics,
		Logger:         componentLogger("host"),
		Done:           ctx.Done(),
	})

	// --- Recovery: snapshot + replay ---
	recovery, err := bridge.Recover(ctx, host, snapMgr, dbChecker, cfg.IdempotencyLRUCapacity, componentLogger("recovery"))
	if err != nil {
		logger.Fatal().Err(err).Msg("recovery failed")
	}
	metrics.ReplayCallsTotal.Add(float64(recovery.Replayed))

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, componentLogger("nats"))
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()

	if err := ingestion.EnsureStreams(ctx, js, componentLogger("nats")); err != nil {
		logger.Fatal().Err(err).Msg("ensure NATS streams")
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, componentLogger("nats")); err != nil {
		logger.Fatal().Err(err).Msg("ensure outbound stream")
	}

	healthChecker.AddCheck("postgres", db.PingContext)
	healthChecker.AddCheck("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return errors.New("nats disconnected")
		}
		return nil
	})

	// --- Outbound sinks ---
	sinks := []ingestion.Sink{ingestion.NewNATSSink(js)}
	if len(cfg.KafkaBrokers) > 0 {
		sinks = append(sinks, ingestion.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic))
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("Kafka mirror enabled")
	}
	outboundPublisher := ingestion.NewOutboundPublisher(publishChan, sinks, metrics, componentLogger("publisher"))

	// --- Workers ---
	persistWorker := persistence.NewPersistenceWorker(
		db, persistWorkerChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics, componentLogger("persistence"))
	persistWorker.SetLastPersisted(recovery.LastSequence)

	projWorker := projection.NewProjectionWorker(db, projectionWorkerChan, metrics, componentLogger("projection"))
	if err := catchUpProjections(ctx, db, projWorker, recovery.LastSequence, componentLogger("projection")); err != nil {
		logger.Fatal().Err(err).Msg("projection catch-up")
	}

	outputBridge := bridge.New(persistWorkerChan, projectionWorkerChan, publishChan, metrics, componentLogger("bridge"))

	// --- Dispatcher ---
	dispatcher := core.NewDispatcher(host, cfg.DispatchQueueSize, componentLogger("dispatcher"))

	snapshotter := bridge.NewSnapshotter(dispatcher, snapMgr, persistWorker, metrics, componentLogger("snapshot"))
	snapshotter.MinEvents = cfg.SnapshotInterval
	snapshotter.SetLastSequence(recovery.SnapshotSequence)

	queryService := query.NewQueryService(db)

	// --- gRPC + HTTP gateway ---
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		Backend: dispatcher,
		Queries: queryService,
		Admin: server.AdminDeps{
			Token:     cfg.AdminToken,
			Snapshots: snapshotter,
			EventLog:  snapMgr,
			RebuildProjections: func(ctx context.Context) (int64, error) {
				return projection.RebuildProjections(ctx, db, componentLogger("projection"))
			},
		},
		HealthChecker: healthChecker,
	}, componentLogger("server"))

	// --- NATS ingestion ---
	rawChan := make(chan ingestion.RawEvent, cfg.IngestChanSize)
	natsSubscriber := ingestion.NewNATSSubscriber(js, rawChan, componentLogger("ingestion"))

	// --- Start goroutines ---
	errChan := make(chan error, 10)
	report := func(name string, err error) {
		if err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("%s: %w", name, err)
		}
	}

	// Workers run on their own context so shutdown can drain them after
	// the host stops.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	outputBridge.Abort = workerCtx.Done()
	var workers sync.WaitGroup
	startWorker := func(name string, fn func(context.Context) error) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			report(name, fn(workerCtx))
		}()
	}

	// 1. Persistence worker
	startWorker("persistence worker", persistWorker.Run)
	// 2. Projection worker
	startWorker("projection worker", projWorker.Run)
	// 3. Outbound publisher
	startWorker("outbound publisher", outboundPublisher.Run)
	// 4. Output bridge: exits once the host channels are closed
	workers.Add(1)
	go func() {
		defer workers.Done()
		outputBridge.Run(persistCoreChan, projectionCoreChan)
	}()

	// 5. Dispatcher
	go dispatcher.Run(ctx)

	if err := initializeBeneficiary(ctx, dispatcher, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("initialize beneficiary")
	}

	// 6. NATS → dispatcher
	if err := natsSubscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		logger.Fatal().Err(err).Msg("nats subscribe")
	}
	go ingestion.RunIngestionLoop(ctx, rawChan, dispatcher, componentLogger("ingestion"))

	// 7. gRPC server
	go func() {
		report("grpc server", grpcServer.StartGRPC(ctx))
	}()

	// 8. HTTP/JSON gateway
	go func() {
		report("http gateway", grpcServer.StartHTTPGateway(ctx))
	}()

	// 9. Scheduled snapshots and integrity checks
	scheduler := cron.New()
	if _, err := snapshotter.Schedule(ctx, scheduler, cfg.SnapshotSchedule); err != nil {
		logger.Fatal().Err(err).Str("spec", cfg.SnapshotSchedule).Msg("schedule snapshots")
	}
	if _, err := scheduler.AddFunc(integrityCheckSpec, func() {
		checkIntegrity(ctx, queryService, componentLogger("audit"))
	}); err != nil {
		logger.Fatal().Err(err).Msg("schedule integrity check")
	}
	scheduler.Start()

	// 10. Prometheus metrics server
	go func() {
		report("metrics server", serveMetrics(ctx, cfg.MetricsAddr, logger))
	}()

	// Mark service as ready after all goroutines started
	healthChecker.SetReady(true)
	grpcServer.SetServing(true)

	logger.Info().
		Int64("sequence", host.GetSequence()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("DonationLedger ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop intake, drain the host outputs, flush persistence, take a final
	// snapshot, then exit.
	healthChecker.SetReady(false)
	grpcServer.SetServing(false)
	cancel()

	natsSubscriber.Stop()
	<-scheduler.Stop().Done()
	<-dispatcher.Done()

	// Only the dispatcher goroutine sends on these.
	close(persistCoreChan)
	close(projectionCoreChan)

	drained := make(chan struct{})
	go func() {
		workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(30 * time.Second):
		logger.Error().Int64("last_persisted", persistWorker.LastPersisted()).Msg("workers did not drain in time")
		cancelWorkers()
		<-drained
	}

	// Take final snapshot before exit
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	snapshotter.SetSource(bridge.HostSource{Host: host})
	if err := snapshotter.TakeSnapshot(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else {
		logger.Info().Int64("sequence", host.GetSequence()-1).Msg("final snapshot saved")
	}

	logger.Info().Msg("DonationLedger shutdown complete")
}

// catchUpProjections seeds the projection watermark. When the projection
// trails the event log (dropped outputs or a crash), it is rebuilt from
// ledger.entries before live updates resume.
func catchUpProjections(
	ctx context.Context,
	db *sql.DB,
	pw *projection.ProjectionWorker,
	lastSequence int64,
	logger zerolog.Logger,
) error {
	watermark, err := projection.LoadWatermark(ctx, db)
	if err != nil {
		return err
	}
	if watermark < lastSequence {
		logger.Info().
			Int64("watermark", watermark).
			Int64("event_log", lastSequence).
			Msg("projections behind event log, rebuilding")
		if watermark, err = projection.RebuildProjections(ctx, db, logger); err != nil {
			return err
		}
	}
	pw.SetLastSequence(watermark)
	return nil
}

// initializeBeneficiary submits the configured Initialize call on a fresh
// ledger. The call id is derived from the beneficiary so a crash between
// submit and persist cannot initialize twice with different ids.
func initializeBeneficiary(ctx context.Context, d *core.Dispatcher, cfg config.Config, logger zerolog.Logger) error {
	if cfg.Beneficiary == "" {
		return nil
	}
	view, err := d.View(ctx)
	if err != nil {
		return err
	}
	if view.Initialized {
		if view.Beneficiary != ledger.Identity(cfg.Beneficiary) {
			logger.Warn().
				Str("configured", cfg.Beneficiary).
				Str("ledger", string(view.Beneficiary)).
				Msg("configured beneficiary ignored, ledger already initialized")
		}
		return nil
	}

	receipt, err := d.Submit(ctx, &event.Initialize{
		CallID:      uuid.NewSHA1(uuid.NameSpaceOID, []byte("donationledger/initialize/"+cfg.Beneficiary)),
		Caller:      ledger.Identity(cfg.Deployer),
		Beneficiary: ledger.Identity(cfg.Beneficiary),
		Timestamp:   time.Now().UTC().Truncate(time.Microsecond),
	})
	if err != nil {
		return err
	}
	logger.Info().
		Str("beneficiary", cfg.Beneficiary).
		Int64("sequence", receipt.Sequence).
		Msg("ledger initialized")
	return nil
}

func checkIntegrity(ctx context.Context, qs *query.QueryService, logger zerolog.Logger) {
	report, err := qs.VerifyIntegrity(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("integrity check failed to run")
		return
	}
	if report.IsHealthy {
		logger.Debug().Int64("as_of_sequence", report.AsOfSequence).Msg("integrity check passed")
		return
	}
	ev := logger.Error().
		Int64("as_of_sequence", report.AsOfSequence).
		Ints64("hash_chain_breaks", report.HashChainBreaks)
	if m := report.PoolMismatch; m != nil {
		ev = ev.Str("pool_projected", m.Projected).Str("pool_recomputed", m.Recomputed)
	}
	ev.Msg("integrity check found inconsistencies")
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              addr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		metricsServer.Shutdown(shutCtx)
	}()
	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

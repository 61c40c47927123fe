package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	healthcheck "github.com/vladislavdragonenkov/invoicing/internal/health"
	"github.com/vladislavdragonenkov/invoicing/internal/httpapi"
	"github.com/vladislavdragonenkov/invoicing/internal/metrics"
	"github.com/vladislavdragonenkov/invoicing/internal/service/idempotency"
	"github.com/vladislavdragonenkov/invoicing/internal/service/issuer"
	"github.com/vladislavdragonenkov/invoicing/internal/service/outbox"
	"github.com/vladislavdragonenkov/invoicing/internal/version"
)

const shutdownTimeout = 5 * time.Second

// Run поднимает HTTP API, фоновые воркеры и сервер метрик и блокируется до отмены ctx.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")
	gin.SetMode(gin.ReleaseMode)

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := deps.close(); closeErr != nil {
			logger.WithError(closeErr).Warn("failed to close storage")
		}
	}()

	renderer, archive, closeRenderer, err := newRenderer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	deps.onClose(closeRenderer)

	notifier, err := newNotifier(cfg, logger)
	if err != nil {
		return err
	}

	publishers, err := initEventPublishers(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeEventPublishers(publishers, logger)

	service := issuer.New(
		deps.sequence,
		deps.records,
		renderer,
		logger.WithField("component", "issuer"),
		issuer.WithNotifier(notifier),
		issuer.WithOutbox(deps.outboxRepo),
		issuer.WithMetrics(metrics.NewIssuanceMetricsWithRegisterer(prometheus.DefaultRegisterer)),
		issuer.WithRenderTimeout(cfg.RenderTimeout),
		issuer.WithArchive(archive),
	)

	guard := idempotency.NewGuard(deps.idempotencyRepo, cfg.IdempotencyTTL, logger.WithField("component", "idempotency"))
	apiCfg := httpapi.Config{
		Addr:           cfg.HTTPAddr,
		AdminSecret:    cfg.AdminSecret,
		AllowedOrigins: splitList(cfg.CORSAllowedOrigins),
	}
	apiLogger := logger.WithField("layer", "http")
	router := httpapi.NewRouter(apiCfg, httpapi.NewHandler(service, guard, apiLogger), apiLogger)
	apiSrv := httpapi.NewServer(apiCfg, router)
	tracker := newRequestTracker()
	apiSrv.Handler = tracker.wrap(apiSrv.Handler)

	workerCtx, cancelWorkers := context.WithCancel(context.WithoutCancel(ctx))
	outboxDone := startOutboxWorker(workerCtx, cfg, deps, publishers, logger)
	cleanupDone := startCleanupWorker(workerCtx, cfg, deps, logger)

	healthHandler := healthcheck.NewHandler(version.GetVersion(), healthcheck.WithCheckTimeout(cfg.HealthCheckTimeout))
	registerHealthChecks(healthHandler, cfg, deps)
	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)

	lis, err := net.Listen("tcp", apiSrv.Addr)
	if err != nil {
		shutdownWorkers(cancelWorkers, logger, outboxDone, cleanupDone)
		shutdownHTTP(metricsSrv, logger)
		return fmt.Errorf("listen %s: %w", apiSrv.Addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("HTTP API слушает %s", lis.Addr())
		errCh <- apiSrv.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем HTTP API")
		drainAPI(apiSrv, tracker, apiDrainTimeout(cfg), logger)
		shutdownWorkers(cancelWorkers, logger, outboxDone, cleanupDone)
		shutdownHTTP(metricsSrv, logger)
		return ctx.Err()
	case err := <-errCh:
		shutdownWorkers(cancelWorkers, logger, outboxDone, cleanupDone)
		shutdownHTTP(metricsSrv, logger)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// startOutboxWorker запускает публикацию outbox, если настроен брокер.
func startOutboxWorker(ctx context.Context, cfg Config, deps *runtimeDependencies, pubs eventPublishers, logger *log.Entry) <-chan struct{} {
	if pubs.publisher == nil {
		logger.Info("events driver is not configured, outbox events stay pending")
		return nil
	}

	opts := []outbox.Option{
		outbox.WithLogger(logger.WithField("component", "outbox-worker")),
		outbox.WithMetrics(metrics.NewOutboxMetricsWithRegisterer(prometheus.DefaultRegisterer)),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
	}
	if pubs.dlq != nil {
		opts = append(opts, outbox.WithDLQPublisher(pubs.dlq))
	}
	worker := outbox.NewWorker(deps.outboxRepo, pubs.publisher, opts...)

	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()
	return done
}

func startCleanupWorker(ctx context.Context, cfg Config, deps *runtimeDependencies, logger *log.Entry) <-chan struct{} {
	worker := idempotency.NewCleanupWorker(
		deps.idempotencyRepo,
		idempotency.WithLogger(logger.WithField("component", "idempotency-cleanup")),
		idempotency.WithMetrics(metrics.NewCleanupMetricsWithRegisterer(prometheus.DefaultRegisterer)),
		idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
		idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()
	return done
}

func registerHealthChecks(h *healthcheck.Handler, cfg Config, deps *runtimeDependencies) {
	h.RegisterChecker("storage", deps.storageChecker)
	if deps.sequenceChecker != nil {
		h.RegisterChecker("sequence", deps.sequenceChecker)
	}

	outboxRepo := deps.outboxRepo
	maxPending := cfg.OutboxMaxPending
	h.RegisterChecker("outbox", healthcheck.Optional("outbox", func(ctx context.Context) error {
		stats, err := outboxRepo.Stats(ctx)
		if err != nil {
			return err
		}
		if maxPending > 0 && stats.PendingCount > maxPending {
			return fmt.Errorf("outbox backlog %d exceeds %d", stats.PendingCount, maxPending)
		}
		return nil
	}))
}

// shutdownWorkers отменяет воркеры и ждёт их завершения не дольше shutdownTimeout.
func shutdownWorkers(cancel context.CancelFunc, logger *log.Entry, done ...<-chan struct{}) {
	if cancel != nil {
		cancel()
	}

	timeout := time.NewTimer(shutdownTimeout)
	defer timeout.Stop()
	for _, ch := range done {
		if ch == nil {
			continue
		}
		select {
		case <-ch:
		case <-timeout.C:
			logger.Warn("background workers did not stop in time")
			return
		}
	}
}

func closeEventPublishers(pubs eventPublishers, logger *log.Entry) {
	if pubs.close == nil {
		return
	}
	if err := pubs.close(); err != nil {
		logger.WithError(err).Warn("failed to close event publishers")
	}
}

// startMetricsServer запускает HTTP-обработчик /metrics и health probes.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: shutdownTimeout}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/livez, %s/readyz", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}

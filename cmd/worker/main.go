// Command worker runs a single drayman consumer process against one
// configured queue and handler.
package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/outpostlabs/drayman/internal/config"
	"github.com/outpostlabs/drayman/internal/consumer"
	"github.com/outpostlabs/drayman/internal/handler"
	"github.com/outpostlabs/drayman/internal/handler/builtin"
	"github.com/outpostlabs/drayman/internal/report"
	"github.com/outpostlabs/drayman/internal/repository"
	pgaudit "github.com/outpostlabs/drayman/internal/repository/postgres"
	redisdedupe "github.com/outpostlabs/drayman/internal/repository/redis"
	"github.com/outpostlabs/drayman/internal/stats"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config load failed", zap.Error(err))
	}
	if cfg.Worker.WorkerName == "" {
		cfg.Worker.WorkerName = "drayman-" + uuid.NewString()
	}
	if cfg.Worker.QueueName == "" {
		logger.Fatal("rabbitmq.queue is required")
	}

	registry := handler.NewRegistry()
	registry.Register("builtin.echo", builtin.NewEcho)
	// Deployments that need a real handler register it here before Run,
	// e.g. registry.Register("myapp.process_order", myapp.NewOrderHandler).

	h, err := registry.Build(cfg.Worker.HandlerName, cfg.Worker.HandlerConfig)
	if err != nil {
		logger.Fatal("handler construction failed", zap.Error(err))
	}
	adapter := handler.NewAdapter(h, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := []consumer.Option{WithTelemetry(logger)}

	reportSink := buildReportSink(cfg, logger)
	defer reportSink.Close()
	opts = append(opts, consumer.WithReportSink(reportSink))

	if dupGuard := buildDuplicateGuard(ctx, cfg, logger); dupGuard != nil {
		opts = append(opts, consumer.WithDuplicateGuard(dupGuard))
	}
	if auditLog := buildAuditLog(ctx, cfg, logger); auditLog != nil {
		opts = append(opts, consumer.WithAuditLog(auditLog))
	}

	w := consumer.New(cfg.Worker, logger, consumer.DialAMQP, adapter, opts...)

	coord := consumer.NewSignalCoordinator(w)
	w.SetSignalCoordinator(coord)
	coord.Start()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	httpServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	logger.Info("starting worker",
		zap.String("worker_name", cfg.Worker.WorkerName),
		zap.String("queue", cfg.Worker.QueueName),
		zap.String("handler", cfg.Worker.HandlerName),
	)

	if err := w.Run(ctx); err != nil {
		logger.Error("worker run returned an error", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown failed", zap.Error(err))
	}
}

// WithTelemetry wires a stats.Sink that just logs snapshots; a deployment
// with its own supervisor process would instead pass a Sink that forwards
// over a pipe or socket.
func WithTelemetry(logger *zap.Logger) consumer.Option {
	return consumer.WithStatsSink(loggingStatsSink{logger: logger})
}

type loggingStatsSink struct {
	logger *zap.Logger
}

func (s loggingStatsSink) Push(snap stats.Snapshot) {
	s.logger.Info("stats report",
		zap.String("state", snap.State.String()),
		zap.Any("counts", snap.Counts),
	)
}

func buildReportSink(cfg *config.Config, logger *zap.Logger) report.Sink {
	if cfg.SentryDSN == "" {
		return report.NoopSink{}
	}
	sink, err := report.NewSentrySink(report.SentryOptions{
		DSN:         cfg.SentryDSN,
		Environment: cfg.SentryEnvironment,
		Release:     cfg.SentryRelease,
	})
	if err != nil {
		logger.Warn("sentry sink init failed, falling back to noop", zap.Error(err))
		return report.NoopSink{}
	}
	return sink
}

func buildDuplicateGuard(ctx context.Context, cfg *config.Config, logger *zap.Logger) repository.DuplicateGuard {
	if cfg.RedisURL == "" {
		return nil
	}
	opts, err := goredis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("redis url parse failed, duplicate guard disabled", zap.Error(err))
		return nil
	}
	client := goredis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed, duplicate guard disabled", zap.Error(err))
		return nil
	}
	return redisdedupe.NewDuplicateGuard(client, 0)
}

func buildAuditLog(ctx context.Context, cfg *config.Config, logger *zap.Logger) repository.AuditLog {
	if cfg.PostgresURL == "" {
		return nil
	}
	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Warn("postgres connect failed, audit log disabled", zap.Error(err))
		return nil
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		logger.Warn("postgres ping failed, audit log disabled", zap.Error(err))
		return nil
	}
	return pgaudit.NewAuditLog(pool)
}

// Command outboxctl operates the outbox coordinator: schema migration,
// one-shot dispatch/compensation passes for cron-style deployments, and a
// long-running serve mode with an HTTP introspection surface.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/outboxmq/internal/broker"
	"github.com/fairyhunter13/outboxmq/internal/broker/amqp"
	"github.com/fairyhunter13/outboxmq/internal/broker/kafka"
	"github.com/fairyhunter13/outboxmq/internal/config"
	"github.com/fairyhunter13/outboxmq/internal/distlock"
	"github.com/fairyhunter13/outboxmq/internal/domain"
	"github.com/fairyhunter13/outboxmq/internal/observability"
	"github.com/fairyhunter13/outboxmq/internal/store/postgres"
	"github.com/fairyhunter13/outboxmq/pkg/outboxmq"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: outboxctl <migrate|dispatch-once|scan-once|cleanup-once|serve>")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	broker, err := newBroker(cfg)
	if err != nil {
		slog.Error("broker connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := broker.Close(); err != nil {
			slog.Error("broker close failed", slog.Any("error", err))
		}
	}()

	coord := outboxmq.New(pool, broker, cfg.Debug, outboxmq.Config{
		DispatcherBatchSize:      cfg.DispatcherBatchSize,
		DispatcherMaxRetry:       cfg.DispatcherMaxRetry,
		DispatcherPollInterval:   time.Duration(cfg.DispatcherPollIntervalSeconds) * time.Second,
		CompensationBatchSize:    cfg.CompensationBatchSize,
		CompensationPollInterval: time.Duration(cfg.CompensationPollIntervalSeconds) * time.Second,
	})

	switch os.Args[1] {
	case "migrate":
		runMigrate(ctx, coord)
	case "dispatch-once":
		runDispatchOnce(ctx, coord)
	case "scan-once":
		runScanOnce(ctx, coord)
	case "cleanup-once":
		runCleanupOnce(ctx, cfg, pool)
	case "serve":
		runServe(ctx, cfg, pool, coord)
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", os.Args[1])
		os.Exit(2)
	}
}

// newBroker picks the broker adapter from cfg: AMQP takes precedence when
// both an AMQP URL and Kafka brokers are configured, since AMQP is the
// simpler single-node transport most often used for local/dev runs. The
// adapter's Send is wrapped with a circuit breaker so a failing broker trips
// open instead of letting every dispatch send pile up on a dead connection;
// Consume is passed through unwrapped.
func newBroker(cfg config.Config) (domain.BrokerAdapter, error) {
	var adapter domain.BrokerAdapter
	var err error
	if cfg.AMQPUrl != "" {
		adapter, err = amqp.New(cfg.AMQPUrl)
	} else {
		adapter, err = kafka.New(kafka.Config{Brokers: cfg.KafkaBrokers, GroupID: cfg.OTELServiceName})
	}
	if err != nil {
		return nil, err
	}
	return broker.WithCircuitBreaker(adapter, cfg.OTELServiceName, 5, 30*time.Second), nil
}

func runMigrate(ctx context.Context, coord *outboxmq.Coordinator) {
	if err := coord.Migrate(ctx); err != nil {
		slog.Error("migrate failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("migrate complete")
}

func runDispatchOnce(ctx context.Context, coord *outboxmq.Coordinator) {
	sent, err := coord.Dispatcher.DispatchOnce(ctx)
	if err != nil {
		slog.Error("dispatch-once failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("dispatch-once complete", slog.Int("sent", sent))
}

func runCleanupOnce(ctx context.Context, cfg config.Config, pool *pgxpool.Pool) {
	cleanupSvc := postgres.NewCleanupService(pool, cfg.DataRetentionDays)
	if err := cleanupSvc.CleanupOldData(ctx); err != nil {
		slog.Error("cleanup-once failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("cleanup-once complete")
}

func runScanOnce(ctx context.Context, coord *outboxmq.Coordinator) {
	producerCount, err := coord.Compensation.CheckProducer(ctx)
	if err != nil {
		slog.Error("scan-once producer check failed", slog.Any("error", err))
		os.Exit(1)
	}
	consumerCount, err := coord.Compensation.CheckConsumer(ctx)
	if err != nil {
		slog.Error("scan-once consumer check failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("scan-once complete", slog.Int("producer_compensated", producerCount), slog.Int("consumer_compensated", consumerCount))
}

// runServe starts the Dispatcher and Compensation Scanner polling loops,
// the optional retention cleanup loop, plus an HTTP introspection server,
// blocking until SIGINT/SIGTERM. When cfg.RedisURL is set, each loop starts
// only after this process acquires the leader-election lock. The lock is not
// renewed once a loop is running, so it lapses after its 30s TTL and another
// replica may then start its own loops (row-level claiming already makes
// duplicate ticks safe; the lock only reduces duplicate poll work, it is not
// a correctness requirement).
func runServe(ctx context.Context, cfg config.Config, pool *pgxpool.Pool, coord *outboxmq.Coordinator) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	locker, err := newLocker(cfg)
	if err != nil {
		slog.Error("leader lock setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	go runLeaderGated(ctx, locker, "dispatcher", func(ctx context.Context) {
		_ = coord.Dispatcher.Run(ctx, 0)
	})
	go runLeaderGated(ctx, locker, "compensation", func(ctx context.Context) {
		_ = coord.Compensation.Run(ctx, 0)
	})
	if cfg.DataRetentionDays > 0 {
		cleanupSvc := postgres.NewCleanupService(pool, cfg.DataRetentionDays)
		go runLeaderGated(ctx, locker, "cleanup", func(ctx context.Context) {
			cleanupSvc.RunPeriodic(ctx, cfg.CleanupInterval)
		})
	}

	handler := otelhttp.NewHandler(buildRouter(cfg, coord), "outboxctl")
	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer shutdownCancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}

// newLocker returns nil, nil when cfg.RedisURL is empty, meaning
// runLeaderGated should run fn unconditionally.
func newLocker(cfg config.Config) (distlock.Locker, error) {
	if cfg.RedisURL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("op=main.parse_redis_url: %w", err)
	}
	client := redis.NewClient(opts)
	return distlock.NewRedisLocker(client, "outboxctl:leader", 30*time.Second), nil
}

// runLeaderGated runs fn under the given name once this process acquires
// locker (or immediately, if locker is nil). It polls for the lock every
// 5 seconds while it doesn't hold it yet.
func runLeaderGated(ctx context.Context, locker distlock.Locker, name string, fn func(context.Context)) {
	if locker == nil {
		fn(ctx)
		return
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		acquired, err := locker.TryAcquire(ctx)
		if err != nil {
			slog.Error("leader lock acquire failed", slog.String("loop", name), slog.Any("error", err))
		} else if acquired {
			slog.Info("acquired leader lock, starting loop", slog.String("loop", name))
			fn(ctx)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

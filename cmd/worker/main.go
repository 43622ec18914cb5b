// cmd/worker/main.go
package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/smsleopard-dispatch/internal/config"
	"github.com/unclebandit/smsleopard-dispatch/internal/db"
	"github.com/unclebandit/smsleopard-dispatch/internal/logging"
	"github.com/unclebandit/smsleopard-dispatch/internal/queue"
	"github.com/unclebandit/smsleopard-dispatch/internal/repository"
	"github.com/unclebandit/smsleopard-dispatch/internal/service"
)

// The worker consumes delivery receipts and inbound replies from RabbitMQ
// and applies them to the shared Postgres store.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ config: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("❌ logger: %v", err)
	}
	defer logger.Sync()

	if cfg.DatabaseURL == "" {
		logger.Fatal("❌ DATABASE_URL is required for the worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := db.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatal("❌ database", zap.Error(err))
	}
	defer conn.Close()
	if err := db.Migrate(ctx, conn); err != nil {
		logger.Fatal("❌ migrate", zap.Error(err))
	}

	q, err := queue.DialAMQP(cfg.AMQPURL, logger)
	if err != nil {
		logger.Fatal("❌ rabbitmq", zap.Error(err))
	}

	ing, err := start(ctx, q, repository.NewPostgresStore(conn), cfg, logger)
	if err != nil {
		q.Close()
		logger.Fatal("❌ subscribe", zap.Error(err))
	}
	logger.Info("👷 Worker running, waiting for events...",
		zap.String("receipts", cfg.ReceiptQueue), zap.String("inbound", cfg.InboundQueue))

	retryParked(ctx, ing, cfg.ReceiptRetryInterval, logger)
	logger.Info("🛑 Shutting down worker")
	if err := q.Close(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("closing rabbitmq", zap.Error(err))
	}
}

// retryParked re-applies early receipts until ctx is done. The server records
// sends in another process, so this worker cannot be told when one lands.
func retryParked(ctx context.Context, ing *service.Ingestor, interval time.Duration, logger *zap.Logger) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := ing.RetryParked(ctx); n > 0 {
				logger.Info("📬 Applied parked receipts", zap.Int("count", n))
			}
		}
	}
}

// start wires an ingestor over store and subscribes it to the event queues.
func start(ctx context.Context, q queue.Queue, store repository.Store, cfg *config.Config, logger *zap.Logger) (*service.Ingestor, error) {
	ing := service.NewIngestor(store, store, cfg.DedupTTL, logger, nil)
	if err := service.SubscribeEvents(ctx, q, cfg.ReceiptQueue, cfg.InboundQueue, ing); err != nil {
		return nil, err
	}
	return ing, nil
}

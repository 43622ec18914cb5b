// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/unclebandit/smsleopard-dispatch/internal/config"
	"github.com/unclebandit/smsleopard-dispatch/internal/controller"
	"github.com/unclebandit/smsleopard-dispatch/internal/db"
	"github.com/unclebandit/smsleopard-dispatch/internal/handler"
	"github.com/unclebandit/smsleopard-dispatch/internal/logging"
	"github.com/unclebandit/smsleopard-dispatch/internal/metrics"
	"github.com/unclebandit/smsleopard-dispatch/internal/queue"
	"github.com/unclebandit/smsleopard-dispatch/internal/ratelimit"
	"github.com/unclebandit/smsleopard-dispatch/internal/repository"
	"github.com/unclebandit/smsleopard-dispatch/internal/service"
	"github.com/unclebandit/smsleopard-dispatch/internal/transport"
)

// contactStore is what the server needs from a contact backend.
type contactStore interface {
	repository.AudienceSource
	service.ContactLookup
}

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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("❌ server stopped", zap.Error(err))
	}
	logger.Info("👋 Server stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	var (
		store    repository.Store
		contacts contactStore
	)
	if cfg.DatabaseURL != "" {
		conn, err := db.Open(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return err
		}
		defer conn.Close()
		if err := db.Migrate(ctx, conn); err != nil {
			return err
		}
		store = repository.NewPostgresStore(conn)
		contacts = &repository.ContactRepository{DB: conn}
	} else {
		logger.Warn("⚠️ DATABASE_URL not set, using in-memory store with demo contacts")
		store = repository.NewMemoryStore()
		contacts = repository.NewMemoryContacts(demoContacts()...)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	d := cfg.Dispatch
	gate, err := ratelimit.NewGate(ratelimit.Limits{Rate: d.Rate, Burst: d.Burst, MaxInFlight: d.MaxInFlight})
	if err != nil {
		return err
	}
	defer gate.Close()

	ingestor := service.NewIngestor(store, store, cfg.DedupTTL, logger, m)

	var sender transport.Transport
	switch cfg.Transport {
	case "http":
		sender = &transport.HTTPGateway{
			URL:    cfg.GatewayURL,
			Token:  cfg.GatewayToken,
			Client: &http.Client{Timeout: d.SendTimeout},
		}
	default:
		// mock receipts loop back through an in-process queue
		events := queue.NewInMemoryQueue(logger)
		defer events.Close()
		gw := transport.NewMockGateway(0.05)
		gw.Receipts = events
		gw.ReceiptTopic = cfg.ReceiptQueue
		gw.ReceiptDelay = 2 * time.Second
		if err := service.SubscribeEvents(ctx, events, cfg.ReceiptQueue, cfg.InboundQueue, ingestor); err != nil {
			return err
		}
		sender = gw
	}

	pool := service.NewWorkerPool(store, sender, gate, service.WorkerConfig{
		Workers:         d.Workers,
		MaxAttempts:     d.MaxAttempts,
		SendTimeout:     d.SendTimeout,
		InitialInterval: d.RetryInitialInterval,
		MaxInterval:     d.RetryMaxInterval,
	}, logger, m)
	pool.OnSent = ingestor.Replay
	machine := service.NewStateMachine(store)
	// dispatch outlives request contexts; Shutdown stops it explicitly
	coord := service.NewCoordinator(context.Background(), store, contacts, pool, machine, d.PageSize, logger, m)
	campaigns := service.NewCampaignService(store, contacts, machine, coord, logger)

	if n, err := campaigns.Recover(ctx); err != nil {
		logger.Error("recovering active campaigns", zap.Error(err))
	} else if n > 0 {
		logger.Info("♻️ Resumed active campaigns", zap.Int("count", n))
	}
	go schedule(ctx, campaigns, cfg.SchedulerInterval, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	(&controller.CampaignController{CampaignService: campaigns, Logger: logger}).Routes(r)
	handler.NewEventHandler(ingestor, logger).Routes(r)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("🚀 Server running", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("🛑 Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	return campaigns.Shutdown(shutdownCtx)
}

// schedule starts due campaigns every interval until ctx is done.
func schedule(ctx context.Context, campaigns *service.CampaignService, interval time.Duration, logger *zap.Logger) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := campaigns.RunDue(ctx, now)
			if err != nil {
				logger.Error("scheduler", zap.Error(err))
			}
			if n > 0 {
				logger.Info("⏰ Started scheduled campaigns", zap.Int("count", n))
			}
		}
	}
}

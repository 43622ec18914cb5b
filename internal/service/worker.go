package service

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/metrics"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
	"github.com/unclebandit/smsleopard-dispatch/internal/ratelimit"
	"github.com/unclebandit/smsleopard-dispatch/internal/repository"
	"github.com/unclebandit/smsleopard-dispatch/internal/transport"
)

// WorkerConfig bounds the pool and its retry policy.
type WorkerConfig struct {
	Workers         int
	MaxAttempts     int
	SendTimeout     time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.Workers < 1 {
		c.Workers = 4
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 3
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 500 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 10 * time.Second
	}
	return c
}

// WorkerPool executes dispatch jobs against the transport. The coordinator
// runs Config.Workers goroutines per campaign run, each calling Process for
// the jobs it dequeues; a dequeued job belongs to that goroutine alone.
type WorkerPool struct {
	Jobs      repository.DispatchJobRepositoryInterface
	Transport transport.Transport
	Gate      *ratelimit.Gate
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	Config    WorkerConfig

	// OnSent, when set, is called once a message id has been recorded.
	OnSent func(ctx context.Context, messageID string)
}

// Constructor
func NewWorkerPool(jobs repository.DispatchJobRepositoryInterface, t transport.Transport, gate *ratelimit.Gate, cfg WorkerConfig, logger *zap.Logger, m *metrics.Metrics) *WorkerPool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkerPool{
		Jobs:      jobs,
		Transport: t,
		Gate:      gate,
		Logger:    logger,
		Metrics:   m,
		Config:    cfg.withDefaults(),
	}
}

// Process sends one job until it is sent, permanently failed, or admission
// stops. work bounds transport calls and store writes; admit is cancelled on
// pause and is only consulted between attempts, never during one. A job left
// behind by a pause stays pending with its attempt count. The returned error
// is an engine-level failure.
func (p *WorkerPool) Process(work, admit context.Context, job *model.DispatchJob) error {
	cfg := p.Config
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitialInterval
	bo.MaxInterval = cfg.MaxInterval
	bo.Reset()

	attempts := job.Attempts
	lastErr := job.LastError
	log := p.Logger.With(zap.String("job_id", job.ID), zap.String("campaign_id", job.CampaignID))

	for {
		if attempts >= cfg.MaxAttempts {
			// resumed job that had already used its budget
			return p.fail(work, log, job, attempts, lastErr)
		}
		attempts++

		messageID, err := p.send(work, job)
		if err == nil {
			p.Metrics.Attempt("success")
			log.Info("send attempt", zap.Int("attempt", attempts), zap.String("outcome", "sent"), zap.String("message_id", messageID))
			if err := p.Jobs.MarkSent(work, job.ID, attempts, messageID); err != nil {
				return p.storeErr(log, err, zap.String("message_id", messageID))
			}
			p.Metrics.Job(model.OutcomeSent.String())
			if p.OnSent != nil {
				p.OnSent(work, messageID)
			}
			return nil
		}

		lastErr = err.Error()
		if appErrors.IsPermanent(err) {
			p.Metrics.Attempt("permanent")
			log.Warn("send attempt", zap.Int("attempt", attempts), zap.String("outcome", "permanent_error"), zap.Error(err))
			return p.fail(work, log, job, attempts, lastErr)
		}

		p.Metrics.Attempt("transient")
		log.Warn("send attempt", zap.Int("attempt", attempts), zap.String("outcome", "transient_error"), zap.Error(err))
		if attempts >= cfg.MaxAttempts {
			return p.fail(work, log, job, attempts, lastErr)
		}
		if err := p.Jobs.RecordAttempt(work, job.ID, attempts, lastErr); err != nil {
			return p.storeErr(log, err)
		}

		if !sleep(admit, bo.NextBackOff()) {
			log.Info("retry deferred by pause", zap.Int("attempts", attempts))
			return nil
		}
		if err := p.Gate.Wait(admit); err != nil {
			log.Info("retry deferred", zap.Int("attempts", attempts), zap.Error(err))
			return nil
		}
	}
}

func (p *WorkerPool) send(work context.Context, job *model.DispatchJob) (string, error) {
	ctx, cancel := context.WithTimeout(work, p.Config.SendTimeout)
	defer cancel()

	start := time.Now()
	id, err := p.Transport.Send(ctx, job.Address, job.Body)
	p.Metrics.ObserveSend(time.Since(start).Seconds())

	if err != nil && errors.Is(err, context.DeadlineExceeded) && !appErrors.IsPermanent(err) {
		return "", appErrors.NewTransientError(err)
	}
	return id, err
}

func (p *WorkerPool) fail(work context.Context, log *zap.Logger, job *model.DispatchJob, attempts int, lastErr string) error {
	if err := p.Jobs.MarkPermanentlyFailed(work, job.ID, attempts, lastErr); err != nil {
		return p.storeErr(log, err)
	}
	p.Metrics.Job(model.OutcomePermanentlyFailed.String())
	log.Warn("job permanently failed", zap.Int("attempts", attempts), zap.String("last_error", lastErr))
	return nil
}

// storeErr swallows a lost race with cancellation; anything else aborts the run.
func (p *WorkerPool) storeErr(log *zap.Logger, err error, fields ...zap.Field) error {
	if errors.Is(err, appErrors.ErrJobNotPending) {
		log.Warn("job no longer pending", append(fields, zap.Error(err))...)
		return nil
	}
	log.Error("failed to record job outcome", append(fields, zap.Error(err))...)
	return err
}

// sleep waits d or until ctx is done; it reports whether the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

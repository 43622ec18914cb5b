package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/metrics"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
	"github.com/unclebandit/smsleopard-dispatch/internal/ratelimit"
	"github.com/unclebandit/smsleopard-dispatch/internal/repository"
)

// Handle is a running dispatch for one campaign.
type Handle struct {
	CampaignID string

	stop      context.CancelFunc
	cancelled atomic.Bool
	stopped   atomic.Bool
	done      chan struct{}
	err       error
}

// Done is closed when the run has finished.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

type queued struct {
	job     *model.DispatchJob
	release func()
}

// Coordinator drives campaign audiences through the admission gate into the
// worker pool. At most one Handle exists per campaign.
type Coordinator struct {
	Store    repository.Store
	Audience repository.AudienceSource
	Pool     *WorkerPool
	Gate     *ratelimit.Gate
	Machine  *StateMachine
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	PageSize int

	// base outlives pause; transport calls and store writes use it.
	base context.Context

	mu      sync.Mutex
	handles map[string]*Handle
}

func NewCoordinator(base context.Context, store repository.Store, audience repository.AudienceSource, pool *WorkerPool, machine *StateMachine, pageSize int, logger *zap.Logger, m *metrics.Metrics) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pageSize < 1 {
		pageSize = 100
	}
	return &Coordinator{
		Store:    store,
		Audience: audience,
		Pool:     pool,
		Gate:     pool.Gate,
		Machine:  machine,
		Logger:   logger,
		Metrics:  m,
		PageSize: pageSize,
		base:     base,
		handles:  make(map[string]*Handle),
	}
}

// Start begins or resumes dispatch for an active campaign.
func (c *Coordinator) Start(campaign *model.Campaign) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, running := c.handles[campaign.ID]; running {
		return nil, appErrors.NewAlreadyRunning(campaign.ID)
	}

	g, gctx := errgroup.WithContext(c.base)
	admit, stop := context.WithCancel(gctx)
	h := &Handle{
		CampaignID: campaign.ID,
		stop:       stop,
		done:       make(chan struct{}),
	}
	c.handles[campaign.ID] = h
	c.Metrics.RunStarted()

	go c.run(h, g, admit, campaign)
	return h, nil
}

// Running returns the handle for a campaign, if one is executing.
func (c *Coordinator) Running(campaignID string) (*Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.handles[campaignID]
	return h, ok
}

// Pause stops admitting jobs and returns once in-flight attempts finish.
func (c *Coordinator) Pause(h *Handle) error {
	h.stopped.Store(true)
	h.stop()
	<-h.done
	return h.err
}

// Cancel pauses the run and discards every job that was never sent.
func (c *Coordinator) Cancel(h *Handle) error {
	h.cancelled.Store(true)
	err := c.Pause(h)

	n, derr := c.Store.DiscardPending(c.base, h.CampaignID)
	if derr != nil {
		return errors.Join(err, fmt.Errorf("discard pending jobs: %w", derr))
	}
	c.Logger.Info("discarded pending jobs", zap.String("campaign_id", h.CampaignID), zap.Int("count", n))
	return err
}

// Wait blocks until the run finishes and returns its engine-level error.
func (c *Coordinator) Wait(ctx context.Context, h *Handle) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops every run without changing campaign status; active
// campaigns are picked up again by Recover.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	handles := make([]*Handle, 0, len(c.handles))
	for _, h := range c.handles {
		handles = append(handles, h)
	}
	c.mu.Unlock()

	for _, h := range handles {
		h.stopped.Store(true)
		h.stop()
	}
	for _, h := range handles {
		select {
		case <-h.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *Coordinator) run(h *Handle, g *errgroup.Group, admit context.Context, campaign *model.Campaign) {
	log := c.Logger.With(zap.String("campaign_id", campaign.ID))
	log.Info("dispatch started", zap.String("cursor", campaign.Cursor))

	queue := make(chan queued)
	var exhausted atomic.Bool

	g.Go(func() error {
		defer close(queue)
		done, err := c.produce(admit, campaign, queue, log)
		exhausted.Store(done)
		return err
	})
	for i := 0; i < c.Pool.Config.Workers; i++ {
		g.Go(func() error {
			return c.consume(admit, queue)
		})
	}

	err := g.Wait()
	h.err = err
	c.finish(h, campaign, err, exhausted.Load(), log)

	c.mu.Lock()
	delete(c.handles, campaign.ID)
	c.mu.Unlock()
	c.Metrics.RunStopped()
	h.stop()
	close(h.done)
}

func (c *Coordinator) finish(h *Handle, campaign *model.Campaign, err error, exhausted bool, log *zap.Logger) {
	switch {
	case err != nil:
		log.Error("dispatch aborted", zap.Error(err))
		// leave the campaign resumable
		if _, ferr := c.Machine.Fire(c.base, campaign.ID, model.StatusActive, model.EventPause); ferr != nil {
			log.Warn("could not pause aborted campaign", zap.Error(ferr))
		}
	case h.stopped.Load():
		log.Info("dispatch stopped", zap.Bool("cancelled", h.cancelled.Load()))
	case exhausted:
		pending, perr := c.Store.CountPending(c.base, campaign.ID)
		if perr != nil {
			h.err = perr
			log.Error("could not count pending jobs", zap.Error(perr))
			return
		}
		if pending > 0 {
			log.Warn("dispatch drained with pending jobs", zap.Int("pending", pending))
			return
		}
		if _, ferr := c.Machine.Fire(c.base, campaign.ID, model.StatusActive, model.EventComplete); ferr != nil {
			log.Info("campaign not completed", zap.Error(ferr))
			return
		}
		log.Info("dispatch completed")
	default:
		log.Info("dispatch stopped before exhausting audience")
	}
}

// produce feeds leftover pending jobs, then the audience from the stored
// cursor. It reports whether the audience was exhausted; stopping early is
// not an error.
func (c *Coordinator) produce(admit context.Context, campaign *model.Campaign, out chan<- queued, log *zap.Logger) (bool, error) {
	pending, err := c.Store.ListPending(c.base, campaign.ID)
	if err != nil {
		return false, fmt.Errorf("list pending jobs: %w", err)
	}
	if len(pending) > 0 {
		log.Info("resuming pending jobs", zap.Int("count", len(pending)))
	}
	for _, job := range pending {
		if !c.admit(admit, job, out) {
			return false, nil
		}
	}

	cursor := campaign.Cursor
	for {
		if admit.Err() != nil {
			return false, nil
		}
		page, next, err := c.Audience.Page(c.base, campaign.Audience, cursor, c.PageSize)
		if err != nil {
			return false, fmt.Errorf("audience page after %q: %w", cursor, err)
		}

		for _, r := range page {
			job, created, err := c.prepare(campaign, r, log)
			if err != nil {
				return false, err
			}
			if !created || job.Outcome != model.OutcomePending {
				continue
			}
			if !c.admit(admit, job, out) {
				// job stays pending and is picked up on resume
				return false, nil
			}
		}

		if len(page) > 0 {
			if err := c.Store.SaveCursor(c.base, campaign.ID, next); err != nil {
				return false, fmt.Errorf("save cursor: %w", err)
			}
			cursor = next
		}
		if len(page) < c.PageSize {
			return true, nil
		}
	}
}

// prepare renders and creates the job for one recipient. Recipients that
// already hold a job are reported as not created.
func (c *Coordinator) prepare(campaign *model.Campaign, r model.Recipient, log *zap.Logger) (*model.DispatchJob, bool, error) {
	body, renderErr := RenderTemplate(campaign.Template, r.Attributes)
	job := &model.DispatchJob{
		CampaignID:  campaign.ID,
		RecipientID: r.ID,
		Address:     r.Address,
		Body:        body,
	}
	created, err := c.Store.CreateJob(c.base, job)
	if err != nil {
		return nil, false, fmt.Errorf("create job for %s: %w", r.ID, err)
	}
	if !created || renderErr == nil {
		return job, created, nil
	}

	log.Warn("render failed", zap.String("job_id", job.ID), zap.String("recipient_id", r.ID), zap.Error(renderErr))
	if err := c.Store.MarkPermanentlyFailed(c.base, job.ID, 0, renderErr.Error()); err != nil {
		return nil, false, fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	c.Metrics.Job(model.OutcomePermanentlyFailed.String())
	job.Outcome = model.OutcomePermanentlyFailed
	return job, true, nil
}

// admit waits for the gate and hands the job to a worker.
func (c *Coordinator) admit(admit context.Context, job *model.DispatchJob, out chan<- queued) bool {
	release, err := c.Gate.Acquire(admit)
	if err != nil {
		return false
	}
	select {
	case out <- queued{job: job, release: release}:
		return true
	case <-admit.Done():
		release()
		return false
	}
}

// consume processes jobs until the queue closes. After a pause, jobs still
// in the queue are released without an attempt.
func (c *Coordinator) consume(admit context.Context, in <-chan queued) error {
	for q := range in {
		if admit.Err() != nil {
			q.release()
			continue
		}
		err := c.Pool.Process(c.base, admit, q.job)
		q.release()
		if err != nil {
			// returning cancels admission for the whole run
			return err
		}
	}
	return nil
}

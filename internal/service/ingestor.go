package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/metrics"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
	"github.com/unclebandit/smsleopard-dispatch/internal/repository"
)

// Ingestor applies delivery receipts and attributes inbound replies. Both
// entry points are idempotent so upstream webhooks may deliver at least once.
type Ingestor struct {
	Jobs    repository.DispatchJobRepositoryInterface
	Inbound repository.InboundEventRepositoryInterface
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time

	seen *ttlcache.Cache[string, struct{}]
	// parked holds receipts that arrived before their send was recorded.
	parked *ttlcache.Cache[string, model.DeliveryReceipt]
}

// parkTTL bounds how long a receipt waits for its message id.
const parkTTL = time.Hour

func NewIngestor(jobs repository.DispatchJobRepositoryInterface, inbound repository.InboundEventRepositoryInterface, dedupTTL time.Duration, logger *zap.Logger, m *metrics.Metrics) *Ingestor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dedupTTL <= 0 {
		dedupTTL = 24 * time.Hour
	}
	return &Ingestor{
		Jobs:    jobs,
		Inbound: inbound,
		Logger:  logger,
		Metrics: m,
		Now:     time.Now,
		seen: ttlcache.New(
			ttlcache.WithTTL[string, struct{}](dedupTTL),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
		parked: ttlcache.New(
			ttlcache.WithTTL[string, model.DeliveryReceipt](parkTTL),
			ttlcache.WithDisableTouchOnHit[string, model.DeliveryReceipt](),
		),
	}
}

// HandleReceipt moves a sent job to delivered or failed. Receipts for jobs
// that already left sent are ignored. A receipt whose message id is not
// recorded yet is parked and still reported as ErrUnknownMessage; Replay or
// RetryParked applies it later.
func (i *Ingestor) HandleReceipt(ctx context.Context, r model.DeliveryReceipt) error {
	return i.handleReceipt(ctx, r, ttlcache.DefaultTTL)
}

func (i *Ingestor) handleReceipt(ctx context.Context, r model.DeliveryReceipt, ttl time.Duration) error {
	if r.MessageID == "" {
		return fmt.Errorf("%w: receipt without message_id", appErrors.ErrValidation)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("%w: unknown receipt status %q", appErrors.ErrValidation, r.Status)
	}

	job, applied, err := i.Jobs.ApplyReceipt(ctx, r)
	if errors.Is(err, appErrors.ErrUnknownMessage) {
		// park first, then look again: a send recorded in between is either
		// seen here or finds the parked receipt in Replay
		i.parked.Set(r.MessageID, r, ttl)
		job, applied, err = i.Jobs.ApplyReceipt(ctx, r)
		if errors.Is(err, appErrors.ErrUnknownMessage) {
			i.Metrics.Receipt("parked")
			i.Logger.Warn("receipt for unknown message parked", zap.String("message_id", r.MessageID))
			return err
		}
		i.parked.Delete(r.MessageID)
	}
	if err != nil {
		return err
	}

	i.Metrics.Receipt(string(r.Status))
	i.Logger.Info("delivery receipt",
		zap.String("message_id", r.MessageID),
		zap.String("job_id", job.ID),
		zap.String("campaign_id", job.CampaignID),
		zap.String("status", string(r.Status)),
		zap.Bool("applied", applied))
	return nil
}

// Replay applies the receipt parked for messageID, if any. The worker pool
// calls it right after a send is recorded.
func (i *Ingestor) Replay(ctx context.Context, messageID string) {
	if _, err := i.replay(ctx, messageID); err != nil && !errors.Is(err, appErrors.ErrUnknownMessage) {
		i.Logger.Warn("replaying parked receipt", zap.String("message_id", messageID), zap.Error(err))
	}
}

// RetryParked re-applies every parked receipt and returns how many were
// applied. Processes that do not send themselves run it periodically.
func (i *Ingestor) RetryParked(ctx context.Context) int {
	applied := 0
	for _, id := range i.parked.Keys() {
		ok, err := i.replay(ctx, id)
		if err != nil && !errors.Is(err, appErrors.ErrUnknownMessage) {
			i.Logger.Warn("retrying parked receipt", zap.String("message_id", id), zap.Error(err))
		}
		if ok {
			applied++
		}
	}
	return applied
}

// replay takes a parked receipt out and handles it with its remaining TTL.
func (i *Ingestor) replay(ctx context.Context, messageID string) (bool, error) {
	item, ok := i.parked.GetAndDelete(messageID)
	if !ok {
		return false, nil
	}
	ttl := time.Until(item.ExpiresAt())
	if ttl <= 0 {
		return false, nil
	}
	if err := i.handleReceipt(ctx, item.Value(), ttl); err != nil {
		return false, err
	}
	return true, nil
}

// Ingest attributes an inbound reply to the campaign that most recently
// delivered to the sender. Unmatched events are stored for triage and
// reported as ErrUnattributedEvent, which callers should only log.
func (i *Ingestor) Ingest(ctx context.Context, ev model.InboundEvent) (*model.InboundRecord, error) {
	if ev.ID == "" || ev.From == "" {
		return nil, fmt.Errorf("%w: inbound event needs id and from", appErrors.ErrValidation)
	}
	if i.seen.Has(ev.ID) {
		i.Metrics.InboundEvent("duplicate")
		return nil, fmt.Errorf("event %s: %w", ev.ID, appErrors.ErrDuplicateEvent)
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = i.Now()
	}

	rec, err := i.Inbound.RecordInbound(ctx, ev, i.Now())
	if err != nil {
		if errors.Is(err, appErrors.ErrDuplicateEvent) {
			i.seen.Set(ev.ID, struct{}{}, ttlcache.DefaultTTL)
			i.Metrics.InboundEvent("duplicate")
		}
		return nil, err
	}
	i.seen.Set(ev.ID, struct{}{}, ttlcache.DefaultTTL)

	if !rec.Attributed() {
		i.Metrics.InboundEvent("unattributed")
		i.Logger.Info("inbound event unattributed", zap.String("event_id", ev.ID), zap.String("from", ev.From))
		return rec, appErrors.ErrUnattributedEvent
	}

	i.Metrics.InboundEvent("attributed")
	i.Logger.Info("inbound event attributed",
		zap.String("event_id", ev.ID),
		zap.String("campaign_id", rec.CampaignID),
		zap.String("job_id", rec.JobID))
	return rec, nil
}

// Unattributed lists stored replies that matched no campaign.
func (i *Ingestor) Unattributed(ctx context.Context, limit int) ([]*model.InboundRecord, error) {
	return i.Inbound.ListUnattributed(ctx, limit)
}

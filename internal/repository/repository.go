package repository

import (
	"context"
	"time"

	"github.com/unclebandit/smsleopard-dispatch/internal/model"
)

// Transition is a guarded status change. The store applies it only when the
// campaign's current status equals From.
type Transition struct {
	CampaignID   string
	From         model.Status
	To           model.Status
	Event        model.Event
	At           time.Time
	ScheduledFor *time.Time
}

type CampaignRepositoryInterface interface {
	Create(ctx context.Context, c *model.Campaign) error
	GetByID(ctx context.Context, id string) (*model.Campaign, error)
	ListCampaigns(ctx context.Context, offset, limit int, status string) ([]*model.Campaign, int, error)
	ListByStatus(ctx context.Context, status model.Status) ([]*model.Campaign, error)

	// CompareAndSetStatus returns an InvalidTransitionError when the stored
	// status differs from t.From.
	CompareAndSetStatus(ctx context.Context, t Transition) error
	IncrementCounter(ctx context.Context, id string, counter model.Counter, delta int) error
	SaveCursor(ctx context.Context, id, cursor string) error
	SoftDelete(ctx context.Context, id string, at time.Time) error
	// Update stores c's name, description, template, tags and audience. It
	// only applies to a live draft or scheduled campaign; otherwise it
	// returns CampaignDeleted or an InvalidTransitionError.
	Update(ctx context.Context, c *model.Campaign) error
}

type DispatchJobRepositoryInterface interface {
	// CreateJob inserts job unless one already exists for (CampaignID, Address).
	// On conflict job is overwritten with the stored row and created is false.
	// A created job increments the campaign's targeted counter.
	CreateJob(ctx context.Context, job *model.DispatchJob) (created bool, err error)
	GetJob(ctx context.Context, id string) (*model.DispatchJob, error)
	ListJobs(ctx context.Context, campaignID string) ([]*model.DispatchJob, error)
	ListPending(ctx context.Context, campaignID string) ([]*model.DispatchJob, error)
	CountPending(ctx context.Context, campaignID string) (int, error)

	RecordAttempt(ctx context.Context, id string, attempts int, lastError string) error
	// MarkSent moves a pending job to sent and increments sent.
	MarkSent(ctx context.Context, id string, attempts int, messageID string) error
	// MarkPermanentlyFailed moves a pending job to permanently_failed and
	// increments sent and failed.
	MarkPermanentlyFailed(ctx context.Context, id string, attempts int, lastError string) error
	DiscardPending(ctx context.Context, campaignID string) (int, error)

	// ApplyReceipt moves a sent job to delivered or failed. applied is false
	// when the job had already left the sent state.
	ApplyReceipt(ctx context.Context, r model.DeliveryReceipt) (job *model.DispatchJob, applied bool, err error)
}

type InboundEventRepositoryInterface interface {
	// RecordInbound stores ev and attributes it to the most recently delivered
	// job for ev.From, incrementing responded the first time a job is replied
	// to. Returns ErrDuplicateEvent for an already stored event id.
	RecordInbound(ctx context.Context, ev model.InboundEvent, at time.Time) (*model.InboundRecord, error)
	ListUnattributed(ctx context.Context, limit int) ([]*model.InboundRecord, error)
}

// AudienceSource pages through the contacts a campaign targets in insertion
// order. cursor "" starts from the beginning; the returned cursor resumes
// after the last recipient of the page.
type AudienceSource interface {
	Page(ctx context.Context, audience model.Audience, cursor string, limit int) ([]model.Recipient, string, error)
}

// Store bundles the repositories the engine needs.
type Store interface {
	CampaignRepositoryInterface
	DispatchJobRepositoryInterface
	InboundEventRepositoryInterface
}

package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
)

func newCampaign(t *testing.T, s Store) *model.Campaign {
	t.Helper()
	c := &model.Campaign{Name: "Promo", Template: "Hi {{name}}", Status: model.StatusDraft}
	require.NoError(t, s.Create(context.Background(), c))
	return c
}

func TestMemoryCreateJobIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	c := newCampaign(t, s)

	first := &model.DispatchJob{CampaignID: c.ID, RecipientID: "ann", Address: "+254700000001", Body: "Hi Ann"}
	created, err := s.CreateJob(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, first.ID)

	again := &model.DispatchJob{CampaignID: c.ID, RecipientID: "ann", Address: "+254700000001", Body: "changed"}
	created, err = s.CreateJob(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "Hi Ann", again.Body)

	got, err := s.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Counters.Targeted)

	_, err = s.CreateJob(ctx, &model.DispatchJob{CampaignID: "missing", Address: "+1"})
	assert.True(t, appErrors.IsNotFound(err))
}

func TestMemoryOutcomesOnlyLeavePending(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	c := newCampaign(t, s)
	job := &model.DispatchJob{CampaignID: c.ID, Address: "+254700000001"}
	_, err := s.CreateJob(ctx, job)
	require.NoError(t, err)

	require.NoError(t, s.RecordAttempt(ctx, job.ID, 1, "busy"))
	require.NoError(t, s.MarkSent(ctx, job.ID, 2, "msg-1"))

	assert.ErrorIs(t, s.MarkSent(ctx, job.ID, 3, "msg-2"), appErrors.ErrJobNotPending)
	assert.ErrorIs(t, s.MarkPermanentlyFailed(ctx, job.ID, 3, "x"), appErrors.ErrJobNotPending)
	assert.ErrorIs(t, s.RecordAttempt(ctx, job.ID, 3, "x"), appErrors.ErrJobNotPending)
	assert.ErrorIs(t, s.RecordAttempt(ctx, "missing", 1, "x"), appErrors.ErrJobNotPending)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSent, got.Outcome)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, "msg-1", got.MessageID)
	assert.Empty(t, got.LastError)

	camp, err := s.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Counters{Targeted: 1, Sent: 1}, camp.Counters)
}

func TestMemoryDiscardPendingKeepsTargeted(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	c := newCampaign(t, s)

	var ids []string
	for _, addr := range []string{"+254700000001", "+254700000002", "+254700000003"} {
		j := &model.DispatchJob{CampaignID: c.ID, Address: addr}
		_, err := s.CreateJob(ctx, j)
		require.NoError(t, err)
		ids = append(ids, j.ID)
	}
	require.NoError(t, s.MarkSent(ctx, ids[0], 1, "msg-1"))

	n, err := s.DiscardPending(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	pending, err := s.CountPending(ctx, c.ID)
	require.NoError(t, err)
	assert.Zero(t, pending)

	jobs, err := s.ListJobs(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, ids[0], jobs[0].ID)

	camp, err := s.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Counters{Targeted: 3, Sent: 1}, camp.Counters)
}

func TestMemoryCompareAndSetStatus(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	c := newCampaign(t, s)
	at := time.Now()

	require.NoError(t, s.CompareAndSetStatus(ctx, Transition{
		CampaignID: c.ID, From: model.StatusDraft, To: model.StatusActive, Event: model.EventRun, At: at,
	}))
	err := s.CompareAndSetStatus(ctx, Transition{
		CampaignID: c.ID, From: model.StatusDraft, To: model.StatusActive, Event: model.EventRun, At: at,
	})
	assert.True(t, appErrors.IsInvalidTransition(err))

	got, err := s.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.True(t, got.StartedAt.Equal(at))
	assert.Nil(t, got.CompletedAt)
}

func TestMemoryUpdateOnlyEditableCampaigns(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	c := newCampaign(t, s)

	c.Name = "Renamed"
	c.Audience = model.Audience{ListID: "customers"}
	require.NoError(t, s.Update(ctx, c))

	got, err := s.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
	assert.Equal(t, "customers", got.Audience.ListID)

	require.NoError(t, s.CompareAndSetStatus(ctx, Transition{
		CampaignID: c.ID, From: model.StatusDraft, To: model.StatusActive, Event: model.EventRun, At: time.Now(),
	}))
	c.Name = "Too late"
	assert.True(t, appErrors.IsInvalidTransition(s.Update(ctx, c)))

	other := newCampaign(t, s)
	require.NoError(t, s.SoftDelete(ctx, other.ID, time.Now()))
	assert.True(t, appErrors.IsDeleted(s.Update(ctx, other)))

	got, err = s.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
}

func TestMemoryReceiptsAndAttribution(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	c := newCampaign(t, s)
	job := &model.DispatchJob{CampaignID: c.ID, Address: "+254700000001"}
	_, err := s.CreateJob(ctx, job)
	require.NoError(t, err)
	require.NoError(t, s.MarkSent(ctx, job.ID, 1, "msg-1"))

	_, _, err = s.ApplyReceipt(ctx, model.DeliveryReceipt{MessageID: "msg-x", Status: model.ReceiptDelivered})
	assert.ErrorIs(t, err, appErrors.ErrUnknownMessage)

	got, applied, err := s.ApplyReceipt(ctx, model.DeliveryReceipt{MessageID: "msg-1", Status: model.ReceiptDelivered})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, model.OutcomeDelivered, got.Outcome)

	_, applied, err = s.ApplyReceipt(ctx, model.DeliveryReceipt{MessageID: "msg-1", Status: model.ReceiptFailed})
	require.NoError(t, err)
	assert.False(t, applied)

	rec, err := s.RecordInbound(ctx, model.InboundEvent{ID: "ev-1", From: "+254700000001"}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, c.ID, rec.CampaignID)
	assert.Equal(t, job.ID, rec.JobID)

	_, err = s.RecordInbound(ctx, model.InboundEvent{ID: "ev-1", From: "+254700000001"}, time.Now())
	assert.ErrorIs(t, err, appErrors.ErrDuplicateEvent)

	rec, err = s.RecordInbound(ctx, model.InboundEvent{ID: "ev-2", From: "+254700000099"}, time.Now())
	require.NoError(t, err)
	assert.False(t, rec.Attributed())

	camp, err := s.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Counters{Targeted: 1, Sent: 1, Delivered: 1, Responded: 1}, camp.Counters)

	list, err := s.ListUnattributed(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "ev-2", list[0].ID)
}

func TestMemoryListCampaigns(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, newCampaign(t, s).ID)
	}
	require.NoError(t, s.SoftDelete(ctx, ids[1], time.Now()))

	list, total, err := s.ListCampaigns(ctx, 0, 10, "")
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, list, 2)
	assert.Equal(t, ids[2], list[0].ID, "newest first")
	assert.Equal(t, ids[0], list[1].ID)

	list, total, err = s.ListCampaigns(ctx, 5, 10, "")
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Empty(t, list)

	list, _, err = s.ListCampaigns(ctx, 0, 10, "active")
	require.NoError(t, err)
	assert.Empty(t, list)

	drafts, err := s.ListByStatus(ctx, model.StatusDraft)
	require.NoError(t, err)
	assert.Len(t, drafts, 2)

	assert.True(t, appErrors.IsNotFound(s.SoftDelete(ctx, "missing", time.Now())))
}

func TestMemoryReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	c := newCampaign(t, s)

	got, err := s.GetByID(ctx, c.ID)
	require.NoError(t, err)
	got.Status = model.StatusCompleted
	got.Counters.Sent = 99

	again, err := s.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDraft, again.Status)
	assert.Zero(t, again.Counters.Sent)
}

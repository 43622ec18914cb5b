package service_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
	"github.com/unclebandit/smsleopard-dispatch/internal/queue"
	"github.com/unclebandit/smsleopard-dispatch/internal/repository"
	"github.com/unclebandit/smsleopard-dispatch/internal/service"
)

// seedSent creates a campaign with one sent job per address. Message ids are
// msgID(campaign, address).
func seedSent(t *testing.T, store *repository.MemoryStore, addresses ...string) *model.Campaign {
	t.Helper()
	ctx := context.Background()

	c := &model.Campaign{Name: "Promo", Template: "Hi", Status: model.StatusActive}
	require.NoError(t, store.Create(ctx, c))
	for _, addr := range addresses {
		job := &model.DispatchJob{CampaignID: c.ID, RecipientID: addr, Address: addr, Body: "Hi"}
		created, err := store.CreateJob(ctx, job)
		require.NoError(t, err)
		require.True(t, created)
		require.NoError(t, store.MarkSent(ctx, job.ID, 1, msgID(c, addr)))
	}
	return c
}

func msgID(c *model.Campaign, address string) string {
	return c.ID + "/" + address
}

func counters(t *testing.T, store *repository.MemoryStore, id string) model.Counters {
	t.Helper()
	c, err := store.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, c.Counters.Consistent(), "inconsistent counters %+v", c.Counters)
	return c.Counters
}

func newIngestor(store *repository.MemoryStore) *service.Ingestor {
	return service.NewIngestor(store, store, time.Minute, zap.NewNop(), nil)
}

func TestHandleReceiptMovesCounters(t *testing.T) {
	store := repository.NewMemoryStore()
	ing := newIngestor(store)
	ctx := context.Background()
	c := seedSent(t, store, "+254700000001", "+254700000002", "+254700000003")

	require.NoError(t, ing.HandleReceipt(ctx, model.DeliveryReceipt{MessageID: msgID(c, "+254700000001"), Status: model.ReceiptDelivered}))
	require.NoError(t, ing.HandleReceipt(ctx, model.DeliveryReceipt{MessageID: msgID(c, "+254700000002"), Status: model.ReceiptFailed}))
	require.NoError(t, ing.HandleReceipt(ctx, model.DeliveryReceipt{MessageID: msgID(c, "+254700000003"), Status: model.ReceiptUndelivered}))

	assert.Equal(t, model.Counters{Targeted: 3, Sent: 3, Delivered: 1, Failed: 2}, counters(t, store, c.ID))

	// repeated and contradicting receipts are ignored once a job left sent
	require.NoError(t, ing.HandleReceipt(ctx, model.DeliveryReceipt{MessageID: msgID(c, "+254700000001"), Status: model.ReceiptDelivered}))
	require.NoError(t, ing.HandleReceipt(ctx, model.DeliveryReceipt{MessageID: msgID(c, "+254700000002"), Status: model.ReceiptDelivered}))
	assert.Equal(t, model.Counters{Targeted: 3, Sent: 3, Delivered: 1, Failed: 2}, counters(t, store, c.ID))
}

func TestHandleReceiptRejectsBadInput(t *testing.T) {
	store := repository.NewMemoryStore()
	ing := newIngestor(store)
	ctx := context.Background()
	c := seedSent(t, store, "+254700000001")

	assert.ErrorIs(t, ing.HandleReceipt(ctx, model.DeliveryReceipt{Status: model.ReceiptDelivered}), appErrors.ErrValidation)
	assert.ErrorIs(t, ing.HandleReceipt(ctx, model.DeliveryReceipt{MessageID: msgID(c, "+254700000001"), Status: "read"}), appErrors.ErrValidation)
	assert.ErrorIs(t, ing.HandleReceipt(ctx, model.DeliveryReceipt{MessageID: "nope", Status: model.ReceiptDelivered}), appErrors.ErrUnknownMessage)
}

func TestIngestAttributesToLatestDelivery(t *testing.T) {
	store := repository.NewMemoryStore()
	ing := newIngestor(store)
	ctx := context.Background()
	const phone = "+254700000001"

	first := seedSent(t, store, phone)
	second := seedSent(t, store, phone)
	// second campaign's receipt lands first, so first is the latest delivery
	require.NoError(t, ing.HandleReceipt(ctx, model.DeliveryReceipt{MessageID: msgID(second, phone), Status: model.ReceiptDelivered}))
	require.NoError(t, ing.HandleReceipt(ctx, model.DeliveryReceipt{MessageID: msgID(first, phone), Status: model.ReceiptDelivered}))

	rec, err := ing.Ingest(ctx, model.InboundEvent{ID: "ev-1", From: phone, Body: "YES"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, rec.CampaignID)
	assert.NotEmpty(t, rec.JobID)

	assert.Equal(t, 1, counters(t, store, first.ID).Responded)
	assert.Equal(t, 0, counters(t, store, second.ID).Responded)
}

func TestIngestCountsOncePerJobAndEvent(t *testing.T) {
	store := repository.NewMemoryStore()
	ing := newIngestor(store)
	ctx := context.Background()
	const phone = "+254700000001"
	c := seedSent(t, store, phone)
	require.NoError(t, ing.HandleReceipt(ctx, model.DeliveryReceipt{MessageID: msgID(c, phone), Status: model.ReceiptDelivered}))

	rec, err := ing.Ingest(ctx, model.InboundEvent{ID: "ev-1", From: phone, Body: "YES"})
	require.NoError(t, err)
	assert.Equal(t, c.ID, rec.CampaignID)
	assert.Equal(t, 1, counters(t, store, c.ID).Responded)

	_, err = ing.Ingest(ctx, model.InboundEvent{ID: "ev-1", From: phone, Body: "YES"})
	assert.ErrorIs(t, err, appErrors.ErrDuplicateEvent)

	rec, err = ing.Ingest(ctx, model.InboundEvent{ID: "ev-2", From: phone, Body: "YES again"})
	require.NoError(t, err)
	assert.Equal(t, c.ID, rec.CampaignID)
	assert.Equal(t, 1, counters(t, store, c.ID).Responded)
}

func TestIngestDuplicateAcrossIngestors(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()
	first := newIngestor(store)
	second := newIngestor(store)

	_, err := first.Ingest(ctx, model.InboundEvent{ID: "ev-1", From: "+254700000009"})
	require.ErrorIs(t, err, appErrors.ErrUnattributedEvent)

	// a fresh cache still hits the store's uniqueness
	_, err = second.Ingest(ctx, model.InboundEvent{ID: "ev-1", From: "+254700000009"})
	assert.ErrorIs(t, err, appErrors.ErrDuplicateEvent)
}

func TestIngestUnattributed(t *testing.T) {
	store := repository.NewMemoryStore()
	ing := newIngestor(store)
	ctx := context.Background()
	const phone = "+254700000001"
	c := seedSent(t, store, phone)

	// sent but never delivered does not attribute
	rec, err := ing.Ingest(ctx, model.InboundEvent{ID: "ev-1", From: phone, Body: "hello?"})
	assert.ErrorIs(t, err, appErrors.ErrUnattributedEvent)
	require.NotNil(t, rec)
	assert.False(t, rec.Attributed())

	_, err = ing.Ingest(ctx, model.InboundEvent{ID: "ev-2", From: "+254799999999", Body: "who is this"})
	assert.ErrorIs(t, err, appErrors.ErrUnattributedEvent)

	assert.Zero(t, counters(t, store, c.ID).Responded)

	list, err := ing.Unattributed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "ev-1", list[0].ID)
	assert.Equal(t, "ev-2", list[1].ID)

	_, err = ing.Ingest(ctx, model.InboundEvent{From: phone})
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestSubscribeEventsRoutesQueues(t *testing.T) {
	store := repository.NewMemoryStore()
	ing := newIngestor(store)
	q := queue.NewInMemoryQueue(zap.NewNop())
	q.RetryDelay = time.Millisecond
	ctx := context.Background()
	const phone = "+254700000001"
	c := seedSent(t, store, phone)

	current := func() model.Counters {
		got, err := store.GetByID(ctx, c.ID)
		if err != nil {
			return model.Counters{}
		}
		return got.Counters
	}

	require.NoError(t, service.SubscribeEvents(ctx, q, queue.TopicDeliveryReceipts, queue.TopicInboundMessages, ing))

	require.NoError(t, q.Publish(queue.TopicDeliveryReceipts, model.DeliveryReceipt{MessageID: msgID(c, phone), Status: model.ReceiptDelivered}))
	require.Eventually(t, func() bool { return current().Delivered == 1 }, time.Second, time.Millisecond)

	raw, err := json.Marshal(model.InboundEvent{ID: "ev-1", From: phone, Body: "STOP"})
	require.NoError(t, err)
	require.NoError(t, q.Publish(queue.TopicInboundMessages, []byte("{not json")))
	require.NoError(t, q.Publish(queue.TopicInboundMessages, raw))
	require.Eventually(t, func() bool { return current().Responded == 1 }, time.Second, time.Millisecond)

	assert.Equal(t, model.Counters{Targeted: 1, Sent: 1, Delivered: 1, Responded: 1}, current())
}

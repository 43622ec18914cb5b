package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unclebandit/smsleopard-dispatch/internal/handler"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
	"github.com/unclebandit/smsleopard-dispatch/internal/repository"
	"github.com/unclebandit/smsleopard-dispatch/internal/service"
)

const phone = "+254700000001"

func setup(t *testing.T) (http.Handler, *repository.MemoryStore, *model.Campaign) {
	t.Helper()
	ctx := context.Background()
	store := repository.NewMemoryStore()

	c := &model.Campaign{Name: "Promo", Template: "Hi", Status: model.StatusActive}
	require.NoError(t, store.Create(ctx, c))
	job := &model.DispatchJob{CampaignID: c.ID, Address: phone, Body: "Hi"}
	_, err := store.CreateJob(ctx, job)
	require.NoError(t, err)
	require.NoError(t, store.MarkSent(ctx, job.ID, 1, "msg-1"))

	ing := service.NewIngestor(store, store, time.Minute, zap.NewNop(), nil)
	r := chi.NewRouter()
	handler.NewEventHandler(ing, zap.NewNop()).Routes(r)
	return r, store, c
}

func post(h http.Handler, path string, body any) *httptest.ResponseRecorder {
	b, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestReceiptAndReplyWebhooks(t *testing.T) {
	r, store, c := setup(t)

	w := post(r, "/webhooks/receipts", model.DeliveryReceipt{MessageID: "msg-1", Status: model.ReceiptDelivered})
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = post(r, "/webhooks/inbound", model.InboundEvent{ID: "ev-1", From: phone, Body: "YES"})
	require.Equal(t, http.StatusAccepted, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["attributed"])
	assert.Equal(t, c.ID, resp["campaign_id"])

	// redelivered webhook
	w = post(r, "/webhooks/inbound", model.InboundEvent{ID: "ev-1", From: phone, Body: "YES"})
	assert.Equal(t, http.StatusAccepted, w.Code)

	got, err := store.GetByID(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Counters{Targeted: 1, Sent: 1, Delivered: 1, Responded: 1}, got.Counters)
}

func TestWebhookValidation(t *testing.T) {
	r, _, _ := setup(t)

	assert.Equal(t, http.StatusBadRequest, post(r, "/webhooks/receipts", model.DeliveryReceipt{MessageID: "msg-1", Status: "opened"}).Code)
	assert.Equal(t, http.StatusAccepted, post(r, "/webhooks/receipts", model.DeliveryReceipt{MessageID: "unknown", Status: model.ReceiptFailed}).Code)
	assert.Equal(t, http.StatusBadRequest, post(r, "/webhooks/inbound", model.InboundEvent{From: phone}).Code)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/inbound", bytes.NewBufferString("not json"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUnattributedHandler(t *testing.T) {
	r, _, _ := setup(t)

	w := post(r, "/webhooks/inbound", model.InboundEvent{ID: "ev-9", From: "+254799999999", Body: "who?"})
	require.Equal(t, http.StatusAccepted, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/events/unattributed?limit=5", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data []model.InboundRecord `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "ev-9", resp.Data[0].ID)
	assert.Equal(t, "who?", resp.Data[0].Body)
}

// internal/handler/event_handler.go
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
	"github.com/unclebandit/smsleopard-dispatch/internal/service"
)

// EventHandler holds the dependencies for the gateway webhooks
type EventHandler struct {
	Ingestor *service.Ingestor
	Logger   *zap.Logger
}

// NewEventHandler creates a new EventHandler with the given ingestor
func NewEventHandler(ing *service.Ingestor, logger *zap.Logger) *EventHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventHandler{Ingestor: ing, Logger: logger}
}

// Routes mounts the webhook and triage endpoints on r.
func (h *EventHandler) Routes(r chi.Router) {
	r.Post("/webhooks/receipts", h.ReceiptHandler)
	r.Post("/webhooks/inbound", h.InboundHandler)
	r.Get("/events/unattributed", h.UnattributedHandler)
}

// ReceiptHandler applies a delivery receipt. A receipt for a message the
// engine has not recorded yet is parked by the ingestor and acknowledged.
func (h *EventHandler) ReceiptHandler(w http.ResponseWriter, r *http.Request) {
	var receipt model.DeliveryReceipt
	if err := json.NewDecoder(r.Body).Decode(&receipt); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	err := h.Ingestor.HandleReceipt(r.Context(), receipt)
	switch {
	case err == nil, errors.Is(err, appErrors.ErrUnknownMessage):
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, appErrors.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		h.Logger.Error("receipt ingestion failed", zap.String("message_id", receipt.MessageID), zap.Error(err))
		http.Error(w, "failed to apply receipt", http.StatusInternalServerError)
	}
}

// InboundHandler ingests a reply. Duplicate and unattributed events are
// acknowledged; the response says whether the reply was attributed.
func (h *EventHandler) InboundHandler(w http.ResponseWriter, r *http.Request) {
	var ev model.InboundEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	rec, err := h.Ingestor.Ingest(r.Context(), ev)
	switch {
	case err == nil, errors.Is(err, appErrors.ErrUnattributedEvent):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"event_id":    ev.ID,
			"attributed":  rec.Attributed(),
			"campaign_id": rec.CampaignID,
		})
	case errors.Is(err, appErrors.ErrDuplicateEvent):
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, appErrors.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		h.Logger.Error("inbound ingestion failed", zap.String("event_id", ev.ID), zap.Error(err))
		http.Error(w, "failed to ingest event", http.StatusInternalServerError)
	}
}

// UnattributedHandler lists replies that matched no campaign
func (h *EventHandler) UnattributedHandler(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		if l, err := strconv.Atoi(s); err == nil && l > 0 {
			limit = l
		}
	}

	events, err := h.Ingestor.Unattributed(r.Context(), limit)
	if err != nil {
		h.Logger.Error("list unattributed events", zap.Error(err))
		http.Error(w, "failed to list events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []*model.InboundRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"data": events,
	})
}

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
	"github.com/unclebandit/smsleopard-dispatch/internal/queue"
)

// decodePayload accepts either the typed value (in-memory queue) or its JSON
// encoding (AMQP).
func decodePayload[T any](payload any) (T, error) {
	var zero T
	switch p := payload.(type) {
	case T:
		return p, nil
	case *T:
		return *p, nil
	case []byte:
		var v T
		if err := json.Unmarshal(p, &v); err != nil {
			return zero, fmt.Errorf("decode %T: %w", zero, err)
		}
		return v, nil
	}
	return zero, fmt.Errorf("unexpected payload type %T", payload)
}

// SubscribeEvents routes receipt and inbound topics into the ingestor.
// Malformed, duplicate and unattributed events are acknowledged so the queue
// does not redeliver them. Receipts for unknown messages are acknowledged too;
// the ingestor has parked them.
func SubscribeEvents(ctx context.Context, q queue.Queue, receiptTopic, inboundTopic string, ing *Ingestor) error {
	err := q.Subscribe(receiptTopic, func(payload any) error {
		r, err := decodePayload[model.DeliveryReceipt](payload)
		if err != nil {
			ing.Logger.Warn("⚠️ dropping malformed receipt", zap.Error(err))
			return nil
		}
		err = ing.HandleReceipt(ctx, r)
		if errors.Is(err, appErrors.ErrValidation) || errors.Is(err, appErrors.ErrUnknownMessage) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", receiptTopic, err)
	}

	err = q.Subscribe(inboundTopic, func(payload any) error {
		ev, err := decodePayload[model.InboundEvent](payload)
		if err != nil {
			ing.Logger.Warn("⚠️ dropping malformed inbound event", zap.Error(err))
			return nil
		}
		_, err = ing.Ingest(ctx, ev)
		switch {
		case err == nil,
			errors.Is(err, appErrors.ErrUnattributedEvent),
			errors.Is(err, appErrors.ErrDuplicateEvent),
			errors.Is(err, appErrors.ErrValidation):
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", inboundTopic, err)
	}
	return nil
}

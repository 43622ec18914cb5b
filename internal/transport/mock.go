package transport

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
	"github.com/unclebandit/smsleopard-dispatch/internal/queue"
)

// Message is a send accepted by the MockGateway.
type Message struct {
	ID          string
	Destination string
	Body        string
}

// MockGateway simulates an SMS gateway in process. When Receipts is set, a
// delivered receipt is published to ReceiptTopic after ReceiptDelay for each
// accepted message.
type MockGateway struct {
	FailureRate  float64
	Receipts     queue.Queue
	ReceiptTopic string
	ReceiptDelay time.Duration

	mu   sync.Mutex
	rnd  *rand.Rand
	sent []Message
}

func NewMockGateway(failureRate float64) *MockGateway {
	return &MockGateway{
		FailureRate:  failureRate,
		ReceiptTopic: queue.TopicDeliveryReceipts,
		rnd:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (g *MockGateway) Send(ctx context.Context, destination, body string) (string, error) {
	if err := ValidateAddress(destination); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", appErrors.NewTransientError(err)
	}

	g.mu.Lock()
	fail := g.rnd != nil && g.rnd.Float64() < g.FailureRate
	if fail {
		g.mu.Unlock()
		return "", appErrors.NewTransientError(errors.New("mock sending failed"))
	}
	msg := Message{ID: uuid.NewString(), Destination: destination, Body: body}
	g.sent = append(g.sent, msg)
	g.mu.Unlock()

	if g.Receipts != nil {
		receipt := model.DeliveryReceipt{MessageID: msg.ID, Status: model.ReceiptDelivered}
		time.AfterFunc(g.ReceiptDelay, func() {
			receipt.Timestamp = time.Now()
			_ = g.Receipts.Publish(g.ReceiptTopic, receipt)
		})
	}
	return msg.ID, nil
}

// Sent returns a copy of every accepted message in acceptance order.
func (g *MockGateway) Sent() []Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Message(nil), g.sent...)
}

var _ Transport = (*MockGateway)(nil)

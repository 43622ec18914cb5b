package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
	"github.com/unclebandit/smsleopard-dispatch/internal/queue"
)

func TestValidateAddress(t *testing.T) {
	assert.NoError(t, ValidateAddress("+12025550101"))

	for _, bad := range []string{"", "12025550101", "+0123", "+1202555abcd", "+1234567890123456"} {
		err := ValidateAddress(bad)
		require.Error(t, err, bad)
		assert.True(t, appErrors.IsPermanent(err), bad)
	}
}

func TestMockGatewayAcceptsAndRecords(t *testing.T) {
	g := NewMockGateway(0)

	id, err := g.Send(context.Background(), "+12025550101", "Hi Ann")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	sent := g.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, Message{ID: id, Destination: "+12025550101", Body: "Hi Ann"}, sent[0])
}

func TestMockGatewayFailuresAreTransient(t *testing.T) {
	g := NewMockGateway(1)

	_, err := g.Send(context.Background(), "+12025550101", "Hi")
	require.Error(t, err)
	assert.False(t, appErrors.IsPermanent(err))
	assert.Empty(t, g.Sent())
}

func TestMockGatewayRejectsMalformedDestination(t *testing.T) {
	g := NewMockGateway(0)

	_, err := g.Send(context.Background(), "not-a-number", "Hi")
	assert.True(t, appErrors.IsPermanent(err))
}

func TestMockGatewayPublishesReceipts(t *testing.T) {
	q := queue.NewInMemoryQueue(nil)
	got := make(chan model.DeliveryReceipt, 1)
	require.NoError(t, q.Subscribe(queue.TopicDeliveryReceipts, func(payload any) error {
		got <- payload.(model.DeliveryReceipt)
		return nil
	}))

	g := NewMockGateway(0)
	g.Receipts = q

	id, err := g.Send(context.Background(), "+12025550101", "Hi")
	require.NoError(t, err)

	select {
	case r := <-got:
		assert.Equal(t, id, r.MessageID)
		assert.Equal(t, model.ReceiptDelivered, r.Status)
	case <-time.After(time.Second):
		t.Fatal("no receipt published")
	}
}

func TestHTTPGateway(t *testing.T) {
	status := http.StatusOK
	var gotAuth string
	var gotReq gatewayRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		w.WriteHeader(status)
		if status == http.StatusOK {
			_ = json.NewEncoder(w).Encode(gatewayResponse{MessageID: "gw-1"})
			return
		}
		_ = json.NewEncoder(w).Encode(gatewayResponse{Error: "nope"})
	}))
	defer srv.Close()

	g := &HTTPGateway{URL: srv.URL, Token: "secret", Client: srv.Client()}

	id, err := g.Send(context.Background(), "+12025550101", "Hi Bo")
	require.NoError(t, err)
	assert.Equal(t, "gw-1", id)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, gatewayRequest{To: "+12025550101", Body: "Hi Bo"}, gotReq)

	status = http.StatusServiceUnavailable
	_, err = g.Send(context.Background(), "+12025550101", "Hi")
	require.Error(t, err)
	assert.False(t, appErrors.IsPermanent(err))

	status = http.StatusTooManyRequests
	_, err = g.Send(context.Background(), "+12025550101", "Hi")
	require.Error(t, err)
	assert.False(t, appErrors.IsPermanent(err))

	status = http.StatusBadRequest
	_, err = g.Send(context.Background(), "+12025550101", "Hi")
	require.Error(t, err)
	assert.True(t, appErrors.IsPermanent(err))
}

func TestHTTPGatewayTimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	g := &HTTPGateway{URL: srv.URL, Client: srv.Client()}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := g.Send(ctx, "+12025550101", "Hi")
	require.Error(t, err)
	assert.False(t, appErrors.IsPermanent(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

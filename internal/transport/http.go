package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
)

// HTTPGateway posts messages to an SMS gateway's JSON API.
type HTTPGateway struct {
	URL    string
	Token  string
	Client *http.Client
}

type gatewayRequest struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

type gatewayResponse struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error,omitempty"`
}

func (g *HTTPGateway) Send(ctx context.Context, destination, body string) (string, error) {
	if err := ValidateAddress(destination); err != nil {
		return "", err
	}

	payload, err := json.Marshal(gatewayRequest{To: destination, Body: body})
	if err != nil {
		return "", appErrors.NewPermanentError(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.URL, bytes.NewReader(payload))
	if err != nil {
		return "", appErrors.NewPermanentError(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.Token)
	}

	client := g.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		// network failures and deadline expiry are worth retrying
		return "", appErrors.NewTransientError(err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var out gatewayResponse
	_ = json.Unmarshal(raw, &out)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", appErrors.NewTransientError(fmt.Errorf("gateway returned %d: %s", resp.StatusCode, out.Error))
	case resp.StatusCode >= 400:
		return "", appErrors.NewPermanentError(fmt.Errorf("gateway rejected message with %d: %s", resp.StatusCode, out.Error))
	case out.MessageID == "":
		return "", appErrors.NewTransientError(fmt.Errorf("gateway response missing message_id"))
	}
	return out.MessageID, nil
}

var _ Transport = (*HTTPGateway)(nil)

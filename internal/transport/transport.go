// Package transport holds the SMS gateway adapters the worker pool sends through.
package transport

import (
	"context"
	"fmt"
	"regexp"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
)

// Transport delivers one message. Errors should be appErrors.TransportError;
// anything else is treated as transient.
type Transport interface {
	Send(ctx context.Context, destination, body string) (messageID string, err error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, destination, body string) (string, error)

func (f TransportFunc) Send(ctx context.Context, destination, body string) (string, error) {
	return f(ctx, destination, body)
}

var e164 = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

// ValidateAddress rejects destinations that no retry can fix.
func ValidateAddress(destination string) error {
	if !e164.MatchString(destination) {
		return appErrors.NewPermanentError(fmt.Errorf("malformed destination %q", destination))
	}
	return nil
}

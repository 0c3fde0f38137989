// Package push delivers notifications to browsers through a cloud push channel.
package push

import (
	"context"
	"errors"
	"fmt"
)

var errUnregistered = errors.New("token unregistered")

// Message is one push addressed to a single registration token.
type Message struct {
	Data  map[string]string
	Token string
	Title string
	Body  string
}

// Provider defines the interface for push sending implementations.
type Provider interface {
	// Send delivers msg. It returns an *InvalidTokenError when the token is
	// permanently rejected.
	Send(ctx context.Context, msg *Message) error
}

// TokenSource obtains a registration token for the local client.
type TokenSource interface {
	Token(ctx context.Context, vapidKey string) (string, error)
}

// InvalidTokenError reports that the push channel no longer accepts a token.
type InvalidTokenError struct {
	Err   error
	Token string
}

func (e *InvalidTokenError) Error() string {
	return fmt.Sprintf("invalid push token %s: %v", RedactToken(e.Token), e.Err)
}

func (e *InvalidTokenError) Unwrap() error {
	return e.Err
}

// IsInvalidToken reports whether err is or wraps an *InvalidTokenError.
func IsInvalidToken(err error) bool {
	var ite *InvalidTokenError
	return errors.As(err, &ite)
}

// RedactToken shortens a token for logging.
func RedactToken(token string) string {
	if len(token) <= 12 {
		return "***"
	}
	return token[:6] + "..." + token[len(token)-4:]
}

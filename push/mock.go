package push

import (
	"context"
	"log/slog"
	"sync"
)

// MockProvider is a mock push provider for local development and tests.
type MockProvider struct {
	logger  *slog.Logger
	invalid map[string]bool
	sent    []Message
	mu      sync.Mutex
}

// NewMockProvider creates a new mock push provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger:  logger,
		invalid: make(map[string]bool),
	}
}

// Reject makes subsequent sends to token fail with an *InvalidTokenError.
func (m *MockProvider) Reject(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalid[token] = true
}

// Send logs the push instead of sending it.
func (m *MockProvider) Send(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.invalid[msg.Token] {
		return &InvalidTokenError{Token: msg.Token, Err: errUnregistered}
	}
	m.sent = append(m.sent, *msg)
	m.logger.Info("MOCK PUSH",
		"token", RedactToken(msg.Token),
		"title", msg.Title,
		"body", msg.Body)
	return nil
}

// Sent returns a copy of every delivered message.
func (m *MockProvider) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.sent))
	copy(out, m.sent)
	return out
}

// StaticTokenSource returns a fixed token, for development and tests.
type StaticTokenSource struct {
	Err   error
	Value string
}

// Token implements TokenSource.
func (s StaticTokenSource) Token(context.Context, string) (string, error) {
	return s.Value, s.Err
}

package email

import (
	"context"
	"log/slog"
	"sync"
)

// MockProvider logs emails instead of sending them, for local development and tests.
type MockProvider struct {
	logger *slog.Logger
	Err    error // returned from Send when set
	sent   []Message
	mu     sync.Mutex
}

// NewMockProvider creates a new mock email provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
	}
}

// Send logs the email instead of sending it.
func (m *MockProvider) Send(_ context.Context, msg *Message) error {
	m.logger.Info("MOCK EMAIL",
		"to", msg.To,
		"subject", msg.Subject,
		"alert_id", msg.AlertID,
		"body_length", len(msg.HTML))
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	m.sent = append(m.sent, *msg)
	m.mu.Unlock()
	return nil
}

// Sent returns the captured emails.
func (m *MockProvider) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.sent))
	copy(out, m.sent)
	return out
}

package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// DefaultBrevoEndpoint is the Brevo transactional email API.
const DefaultBrevoEndpoint = "https://api.brevo.com/v3/smtp/email"

// brevoTag groups alert mail in the Brevo dashboard.
const brevoTag = "reminder-alert"

// BrevoProvider sends alerts through Brevo's transactional API.
type BrevoProvider struct {
	client   *http.Client
	logger   *slog.Logger
	sender   brevoContact
	apiKey   string
	endpoint string
}

// NewBrevoProvider creates a Brevo provider. An empty endpoint uses DefaultBrevoEndpoint.
func NewBrevoProvider(apiKey, endpoint, fromAddr, fromName string, logger *slog.Logger) *BrevoProvider {
	if endpoint == "" {
		endpoint = DefaultBrevoEndpoint
	}
	return &BrevoProvider{
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
		sender:   brevoContact{Email: fromAddr, Name: fromName},
		apiKey:   apiKey,
		endpoint: endpoint,
	}
}

type brevoSendRequest struct {
	Sender  brevoContact      `json:"sender"`
	Headers map[string]string `json:"headers,omitempty"`
	Subject string            `json:"subject"`
	HTML    string            `json:"htmlContent"`
	Text    string            `json:"textContent,omitempty"`
	To      []brevoContact    `json:"to"`
	Tags    []string          `json:"tags,omitempty"`
}

type brevoContact struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type brevoSendResponse struct {
	MessageID string `json:"messageId"`
}

type brevoErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (b *BrevoProvider) request(msg *Message) ([]byte, error) {
	req := brevoSendRequest{
		Sender:  b.sender,
		To:      []brevoContact{{Email: msg.To}},
		Subject: sanitizeEmailHeader(msg.Subject),
		HTML:    msg.HTML,
		Text:    msg.Text,
		Tags:    []string{brevoTag},
	}
	if msg.AlertID != "" {
		req.Headers = map[string]string{"X-Alert-Id": sanitizeEmailHeader(msg.AlertID)}
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return data, nil
}

// Send implements Provider. Client errors other than 429 are not retried.
func (b *BrevoProvider) Send(ctx context.Context, msg *Message) error {
	payload, err := b.request(msg)
	if err != nil {
		return fmt.Errorf("brevo: %w", err)
	}
	return sendWithRetry(ctx, b.logger, "brevo", msg, func() error {
		return b.post(ctx, payload)
	})
}

func (b *BrevoProvider) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(payload))
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			b.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var ok brevoSendResponse
		if json.Unmarshal(body, &ok) == nil && ok.MessageID != "" {
			b.logger.Debug("Brevo accepted message", "message_id", ok.MessageID)
		}
		return nil
	}

	err = brevoError(resp.StatusCode, body)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return retry.Unrecoverable(err)
	}
	return err
}

// brevoError prefers Brevo's {code, message} body over the raw bytes.
func brevoError(status int, body []byte) error {
	var e brevoErrorResponse
	if json.Unmarshal(body, &e) == nil && e.Message != "" {
		return fmt.Errorf("HTTP %d %s: %s", status, e.Code, e.Message)
	}
	return fmt.Errorf("HTTP %d: %s", status, bytes.TrimSpace(body))
}

// Package email delivers operational alerts about the scheduling pass via
// pluggable providers.
package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/google/uuid"
)

// Message is one alert email addressed to a single recipient.
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string // plain-text alternative, optional
	AlertID string // shared by every copy of one alert, sent as X-Alert-Id
}

// Provider delivers alert emails.
type Provider interface {
	Send(ctx context.Context, msg *Message) error
}

// Detail is one labelled line in an alert email.
type Detail struct {
	Label string
	Value string
}

// Alerter sends alert emails to a fixed set of operators.
type Alerter struct {
	provider   Provider
	logger     *slog.Logger
	now        func() time.Time
	appName    string
	baseURL    string // dashboard link in the footer
	recipients []string
}

// New creates an alerter. With no recipients every alert is logged and dropped.
func New(provider Provider, logger *slog.Logger, appName, baseURL string, recipients []string) *Alerter {
	if appName == "" {
		appName = "reminder-notifier"
	}
	return &Alerter{
		provider:   provider,
		logger:     logger,
		now:        time.Now,
		appName:    appName,
		baseURL:    baseURL,
		recipients: recipients,
	}
}

// SendAlert emails subject and message to every recipient. Details are
// rendered as a list below the message. Failures for individual recipients
// are joined into the returned error.
func (a *Alerter) SendAlert(ctx context.Context, subject, message string, details ...Detail) error {
	if len(a.recipients) == 0 {
		a.logger.Warn("Alert dropped, no recipients configured", "subject", subject, "message", message)
		return nil
	}

	tmpl := Message{
		Subject: fmt.Sprintf("[%s] %s", a.appName, subject),
		HTML:    a.formatAlertBody(subject, message, details),
		Text:    a.formatAlertText(subject, message, details),
		AlertID: uuid.NewString(),
	}

	var errs []error
	for _, to := range a.recipients {
		to = strings.TrimSpace(to)
		if to == "" {
			continue
		}
		msg := tmpl
		msg.To = to
		a.logger.Info("Sending alert email", "to", to, "subject", msg.Subject, "alert_id", msg.AlertID)
		if err := a.provider.Send(ctx, &msg); err != nil {
			a.logger.Error("Alert email failed", "to", to, "alert_id", msg.AlertID, "error", err)
			errs = append(errs, fmt.Errorf("send to %s: %w", to, err))
		}
	}
	return errors.Join(errs...)
}

// SendTest sends a short message confirming the alert channel works.
func (a *Alerter) SendTest(ctx context.Context) error {
	return a.SendAlert(ctx, "Test alert", "Alert delivery is configured correctly.")
}

// sendWithRetry runs attempt under the alert retry policy. Permanent failures
// must be wrapped in retry.Unrecoverable by attempt.
func sendWithRetry(ctx context.Context, logger *slog.Logger, provider string, msg *Message, attempt func() error) error {
	start := time.Now()
	err := retry.Do(attempt,
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying alert email after error", "provider", provider, "to", msg.To, "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", provider, err)
	}
	logger.Info("Alert email delivered",
		"provider", provider,
		"to", msg.To,
		"alert_id", msg.AlertID,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

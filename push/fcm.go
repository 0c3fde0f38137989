package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/time/rate"
	fcm "google.golang.org/api/fcm/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Branding is web notification decoration applied to every message.
type Branding struct {
	Icon     string
	Badge    string
	ClickURL string
}

// FCMProvider sends web pushes through Firebase Cloud Messaging.
type FCMProvider struct {
	service   *fcm.Service
	limiter   *rate.Limiter
	logger    *slog.Logger
	projectID string
	branding  Branding
}

// NewFCMProvider creates a provider for the given Firebase project.
// ratePerSec bounds outbound sends; zero disables the limit.
func NewFCMProvider(ctx context.Context, projectID string, branding Branding, ratePerSec float64, logger *slog.Logger, opts ...option.ClientOption) (*FCMProvider, error) {
	if projectID == "" {
		return nil, errors.New("firebase project id is required")
	}
	svc, err := fcm.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create fcm service: %w", err)
	}

	limit := rate.Inf
	if ratePerSec > 0 {
		limit = rate.Limit(ratePerSec)
	}

	return &FCMProvider{
		service:   svc,
		limiter:   rate.NewLimiter(limit, 10),
		logger:    logger,
		projectID: projectID,
		branding:  branding,
	}, nil
}

type webNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Icon  string `json:"icon,omitempty"`
	Badge string `json:"badge,omitempty"`
}

func (p *FCMProvider) request(msg *Message) (*fcm.SendMessageRequest, error) {
	webNote, err := json.Marshal(webNotification{
		Title: msg.Title,
		Body:  msg.Body,
		Icon:  p.branding.Icon,
		Badge: p.branding.Badge,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal web notification: %w", err)
	}

	webpush := &fcm.WebpushConfig{
		Data:         msg.Data,
		Notification: googleapi.RawMessage(webNote),
	}
	if p.branding.ClickURL != "" {
		webpush.FcmOptions = &fcm.WebpushFcmOptions{Link: p.branding.ClickURL}
	}

	return &fcm.SendMessageRequest{
		Message: &fcm.Message{
			Token: msg.Token,
			Notification: &fcm.Notification{
				Title: msg.Title,
				Body:  msg.Body,
			},
			Data:    msg.Data,
			Webpush: webpush,
		},
	}, nil
}

// Send delivers msg, retrying transient failures.
func (p *FCMProvider) Send(ctx context.Context, msg *Message) error {
	req, err := p.request(msg)
	if err != nil {
		return err
	}
	parent := "projects/" + p.projectID

	return retry.Do(
		func() error {
			if err := p.limiter.Wait(ctx); err != nil {
				return retry.Unrecoverable(fmt.Errorf("rate limiter: %w", err))
			}

			start := time.Now()
			callCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			defer cancel()

			resp, err := p.service.Projects.Messages.Send(parent, req).Context(callCtx).Do()
			duration := time.Since(start)
			if err != nil {
				if invalidToken(err) {
					p.logger.Warn("FCM rejected token",
						"token", RedactToken(msg.Token),
						"duration_ms", duration.Milliseconds(),
						"error", err)
					return retry.Unrecoverable(&InvalidTokenError{Token: msg.Token, Err: err})
				}
				p.logger.Warn("FCM send failed, will retry",
					"token", RedactToken(msg.Token),
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return fmt.Errorf("fcm send: %w", err)
			}

			p.logger.Info("FCM message sent",
				"token", RedactToken(msg.Token),
				"message", resp.Name,
				"duration_ms", duration.Milliseconds())
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			p.logger.Info("Retrying FCM send after error", "attempt", n, "error", err)
		}),
	)
}

// invalidToken classifies FCM errors that mean the token will never work again.
func invalidToken(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return false
	}
	switch gerr.Code {
	case http.StatusNotFound:
		return true
	case http.StatusBadRequest:
		text := strings.ToLower(gerr.Message + " " + gerr.Body)
		return strings.Contains(text, "registration token")
	}
	return strings.Contains(gerr.Body, "UNREGISTERED")
}

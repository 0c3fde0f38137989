package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/google/uuid"

	"reminder-notifier/pkg/notifier"
	"reminder-notifier/push"
)

// ServerClient syncs preferences with the notification server.
type ServerClient struct {
	client  *http.Client
	logger  *slog.Logger
	baseURL string
}

// NewServerClient creates a client for the server at baseURL.
func NewServerClient(baseURL string, logger *slog.Logger) *ServerClient {
	return &ServerClient{
		client:  &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

type preferencesRequest struct {
	DateOverrides notifier.DateOverrides `json:"dateOverrides,omitempty"`
	Token         string                 `json:"token"`
	Preferences   notifier.Preferences   `json:"preferences"`
}

type envelope struct {
	Error   string `json:"error,omitempty"`
	Success bool   `json:"success"`
}

// SyncPreferences implements Syncer.
func (c *ServerClient) SyncPreferences(ctx context.Context, token string, prefs notifier.Preferences) error {
	body, err := json.Marshal(preferencesRequest{
		Token:         token,
		Preferences:   prefs,
		DateOverrides: prefs.DateOverrides,
	})
	if err != nil {
		return fmt.Errorf("marshal preferences: %w", err)
	}
	requestID := uuid.NewString()

	return retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/preferences", bytes.NewReader(body))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("X-Request-Id", requestID)

			resp, err := c.client.Do(req)
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					c.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			var env envelope
			if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&env); err != nil {
				env.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
			}
			switch {
			case resp.StatusCode >= 400 && resp.StatusCode < 500:
				return retry.Unrecoverable(fmt.Errorf("server rejected preferences: %s", env.Error))
			case resp.StatusCode >= 300 || !env.Success:
				return fmt.Errorf("sync preferences: HTTP %d: %s", resp.StatusCode, env.Error)
			}

			c.logger.Info("Preferences synced", "token", push.RedactToken(token), "request_id", requestID)
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying preference sync after error", "attempt", n, "error", err)
		}),
	)
}

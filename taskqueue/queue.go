package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// Queue creates tasks.
type Queue struct {
	backend Backend
	logger  *slog.Logger
}

// New creates a queue over backend.
func New(backend Backend, logger *slog.Logger) *Queue {
	return &Queue{backend: backend, logger: logger}
}

// Enqueue schedules payload to be POSTed to endpointURL at fireAt.
// A non-empty idempotencyKey makes repeated calls with the same key return ErrDuplicate.
func (q *Queue) Enqueue(ctx context.Context, endpointURL string, payload []byte, fireAt time.Time, idempotencyKey string) (*Task, error) {
	u, err := url.Parse(endpointURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid endpoint %q", endpointURL)
	}

	now := time.Now()
	t := &Task{
		ID:          uuid.NewString(),
		Endpoint:    endpointURL,
		Payload:     payload,
		RunAt:       fireAt,
		Status:      StatusPending,
		MaxAttempts: DefaultMaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if idempotencyKey != "" {
		t.IdempotencyKey = &idempotencyKey
	}

	if err := q.backend.Insert(ctx, t); err != nil {
		if errors.Is(err, ErrDuplicate) {
			q.logger.Debug("Task already enqueued", "idempotency_key", idempotencyKey)
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("insert task: %w", err)
	}

	q.logger.Debug("Task enqueued", "task_id", t.ID, "run_at", fireAt, "endpoint", endpointURL)
	return t, nil
}

// Package taskqueue runs delayed HTTP tasks: a payload POSTed to an endpoint at
// a given time, retried with backoff.
package taskqueue

import (
	"context"
	"errors"
	"time"
)

// Task states.
const (
	StatusPending = "PENDING"
	StatusRunning = "RUNNING"
	StatusDone    = "DONE"
	StatusFailed  = "FAILED"
)

// DefaultMaxAttempts bounds dispatch attempts per task.
const DefaultMaxAttempts = 8

// ErrDuplicate is returned by Enqueue when a task with the same idempotency key exists.
var ErrDuplicate = errors.New("task already enqueued")

// Task is one delayed call.
type Task struct {
	ID             string  `gorm:"primaryKey;type:text"`
	Endpoint       string  `gorm:"type:text;not null"`
	Payload        []byte  `gorm:"type:jsonb;not null;default:'{}'::jsonb"`
	IdempotencyKey *string `gorm:"type:text"`

	RunAt  time.Time `gorm:"index;not null"`
	Status string    `gorm:"index;not null;default:'PENDING'"`

	Attempts    int `gorm:"not null;default:0"`
	MaxAttempts int `gorm:"not null;default:8"`

	LockedBy  *string    `gorm:"type:text"`
	LockedAt  *time.Time `gorm:"type:timestamptz"`
	LastError *string    `gorm:"type:text"`

	CreatedAt time.Time `gorm:"not null;default:now()"`
	UpdatedAt time.Time `gorm:"not null;default:now()"`
}

// Backend persists tasks.
type Backend interface {
	// Insert stores t. It returns ErrDuplicate when t's idempotency key is taken.
	Insert(ctx context.Context, t *Task) error
	// Claim locks the earliest due pending task for workerID, or returns nil.
	Claim(ctx context.Context, workerID string) (*Task, error)
	MarkDone(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, errMsg string) error
	RetryLater(ctx context.Context, id string, attempts int, runAt time.Time, errMsg string) error
}

// backoff returns the delay before attempt n is retried: 2^n seconds, capped at ten minutes.
func backoff(attempts int) time.Duration {
	if attempts >= 10 {
		return 600 * time.Second
	}
	sec := 1 << attempts
	if sec > 600 {
		sec = 600
	}
	return time.Duration(sec) * time.Second
}

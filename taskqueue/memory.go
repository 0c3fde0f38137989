package taskqueue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryBackend keeps tasks in process, for local development and tests.
type MemoryBackend struct {
	now   func() time.Time
	tasks map[string]*Task
	keys  map[string]string
	mu    sync.Mutex
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		now:   time.Now,
		tasks: make(map[string]*Task),
		keys:  make(map[string]string),
	}
}

// Insert implements Backend.
func (m *MemoryBackend) Insert(_ context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.IdempotencyKey != nil {
		if _, ok := m.keys[*t.IdempotencyKey]; ok {
			return ErrDuplicate
		}
		m.keys[*t.IdempotencyKey] = t.ID
	}
	cp := *t
	m.tasks[t.ID] = &cp
	return nil
}

// Claim implements Backend.
func (m *MemoryBackend) Claim(_ context.Context, workerID string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var due []*Task
	for _, t := range m.tasks {
		if t.Status == StatusPending && !t.RunAt.After(now) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil, nil
	}
	sort.Slice(due, func(i, j int) bool { return due[i].RunAt.Before(due[j].RunAt) })

	t := due[0]
	t.Status = StatusRunning
	t.LockedBy = &workerID
	t.LockedAt = &now
	t.UpdatedAt = now
	cp := *t
	return &cp, nil
}

// MarkDone implements Backend.
func (m *MemoryBackend) MarkDone(_ context.Context, id string) error {
	return m.update(id, func(t *Task) {
		t.Status = StatusDone
	})
}

// MarkFailed implements Backend.
func (m *MemoryBackend) MarkFailed(_ context.Context, id, errMsg string) error {
	return m.update(id, func(t *Task) {
		t.Status = StatusFailed
		t.LastError = &errMsg
	})
}

// RetryLater implements Backend.
func (m *MemoryBackend) RetryLater(_ context.Context, id string, attempts int, runAt time.Time, errMsg string) error {
	return m.update(id, func(t *Task) {
		t.Status = StatusPending
		t.Attempts = attempts
		t.RunAt = runAt
		t.LastError = &errMsg
	})
}

// Get returns a copy of the task with id.
func (m *MemoryBackend) Get(id string) (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Len returns the number of stored tasks.
func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

func (m *MemoryBackend) update(id string, fn func(*Task)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}
	fn(t)
	t.LockedBy = nil
	t.LockedAt = nil
	t.UpdatedAt = m.now()
	return nil
}

package taskqueue

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Signer issues bearer tokens for dispatched calls.
type Signer interface {
	Sign(subject string) (string, error)
}

// Worker claims due tasks and dispatches them.
type Worker struct {
	backend  Backend
	signer   Signer
	client   *http.Client
	logger   *slog.Logger
	now      func() time.Time
	id       string
	interval time.Duration
}

// NewWorker creates a worker. signer may be nil for unauthenticated endpoints.
func NewWorker(id string, backend Backend, signer Signer, client *http.Client, interval time.Duration, logger *slog.Logger) *Worker {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Worker{
		backend:  backend,
		signer:   signer,
		client:   client,
		logger:   logger,
		now:      time.Now,
		id:       id,
		interval: interval,
	}
}

// Run polls until ctx is cancelled, draining every due task on each tick.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("Task worker started", "worker_id", w.id, "interval", w.interval)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Task worker stopped", "worker_id", w.id)
			return
		case <-ticker.C:
			for {
				ran, err := w.RunOnce(ctx)
				if err != nil {
					w.logger.Warn("Task claim failed", "worker_id", w.id, "error", err)
					break
				}
				if !ran || ctx.Err() != nil {
					break
				}
			}
		}
	}
}

// RunOnce claims and dispatches at most one task. It reports whether a task ran.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	task, err := w.backend.Claim(ctx, w.id)
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	if task == nil {
		return false, nil
	}
	w.dispatch(ctx, task)
	return true, nil
}

func (w *Worker) dispatch(ctx context.Context, task *Task) {
	status, err := w.post(ctx, task)
	switch {
	case err == nil && status >= 200 && status < 300:
		w.logger.Info("Task delivered", "task_id", task.ID, "status_code", status, "attempt", task.Attempts+1)
		w.record(task, w.backend.MarkDone(ctx, task.ID))
	case err == nil && status >= 400 && status < 500:
		w.logger.Warn("Task rejected by endpoint", "task_id", task.ID, "status_code", status)
		w.record(task, w.backend.MarkFailed(ctx, task.ID, fmt.Sprintf("HTTP %d", status)))
	default:
		msg := fmt.Sprintf("HTTP %d", status)
		if err != nil {
			msg = err.Error()
		}
		w.retry(ctx, task, msg)
	}
}

func (w *Worker) post(ctx context.Context, task *Task) (int, error) {
	callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, task.Endpoint, bytes.NewReader(task.Payload))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Task-ID", task.ID)
	if w.signer != nil {
		tok, err := w.signer.Sign("task:" + task.ID)
		if err != nil {
			return 0, fmt.Errorf("sign request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	startTime := time.Now()
	resp, err := w.client.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		w.logger.Warn("Task request failed", "task_id", task.ID, "duration_ms", duration.Milliseconds(), "error", err)
		return 0, err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			w.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()
	if _, err := io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10)); err != nil {
		w.logger.Debug("Failed to drain response body", "task_id", task.ID, "error", err)
	}
	return resp.StatusCode, nil
}

func (w *Worker) retry(ctx context.Context, task *Task, errMsg string) {
	attempts := task.Attempts + 1
	maxAttempts := task.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if attempts >= maxAttempts {
		w.logger.Error("Task failed permanently", "task_id", task.ID, "attempts", attempts, "error", errMsg)
		w.record(task, w.backend.MarkFailed(ctx, task.ID, errMsg))
		return
	}

	next := w.now().Add(backoff(attempts))
	w.logger.Info("Retrying task later", "task_id", task.ID, "attempt", attempts, "run_at", next, "error", errMsg)
	w.record(task, w.backend.RetryLater(ctx, task.ID, attempts, next, errMsg))
}

func (w *Worker) record(task *Task, err error) {
	if err != nil {
		w.logger.Error("Failed to update task state", "task_id", task.ID, "error", err)
	}
}

package agent

import (
	"context"
	"log/slog"

	"reminder-notifier/pkg/notifier"
)

// LogDisplayer writes notifications to the log.
type LogDisplayer struct {
	Logger *slog.Logger
}

// Display implements Displayer.
func (d LogDisplayer) Display(_ context.Context, n notifier.Notification) error {
	d.Logger.Info("NOTIFICATION", "id", n.ID, "title", n.Title, "body", n.Body, "category", n.CategoryID)
	return nil
}

// DisplayFunc adapts a function to Displayer.
type DisplayFunc func(ctx context.Context, n notifier.Notification) error

// Display implements Displayer.
func (f DisplayFunc) Display(ctx context.Context, n notifier.Notification) error {
	return f(ctx, n)
}

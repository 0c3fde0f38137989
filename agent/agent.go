// Package agent is the client side of dual-path delivery: it keeps the local
// fallback schedule, fires it when no push arrives, and suppresses fallback
// entries once a push for the same event has been shown.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"reminder-notifier/builder"
	"reminder-notifier/events"
	"reminder-notifier/fallback"
	"reminder-notifier/pkg/notifier"
	"reminder-notifier/push"
)

// DefaultCheckInterval is how often the fallback checker runs.
const DefaultCheckInterval = time.Minute

// Displayer shows a notification to the user.
type Displayer interface {
	Display(ctx context.Context, n notifier.Notification) error
}

// Syncer pushes preferences to the server.
type Syncer interface {
	SyncPreferences(ctx context.Context, token string, prefs notifier.Preferences) error
}

// Config holds agent settings.
type Config struct {
	Location      *time.Location
	VAPIDKey      string
	CheckInterval time.Duration
	PushEnabled   bool
}

// Agent reconciles the push path with the local fallback schedule. The
// fallback schedule is kept in both modes; a push cancels its entries.
// Methods that touch the store hold ops, so the HTTP inbox and Run may call
// them concurrently.
type Agent struct {
	store   *fallback.Store
	builder *builder.Builder
	events  events.Source
	display Displayer
	tokens  push.TokenSource
	syncer  Syncer
	logger  *slog.Logger
	now     func() time.Time
	loc     *time.Location
	pushes  chan notifier.PushPayload

	prefs       notifier.Preferences
	token       string
	vapidKey    string
	interval    time.Duration
	pushEnabled bool

	listeners map[uint64]func(notifier.Notification)
	nextID    uint64

	displayFailures atomic.Uint64

	ops sync.Mutex // store mutations
	mu  sync.Mutex // prefs, token, pushEnabled, listeners
}

// New creates an agent. syncer may be nil when no server is configured.
func New(cfg Config, store *fallback.Store, b *builder.Builder, source events.Source, display Displayer, tokens push.TokenSource, syncer Syncer, prefs notifier.Preferences, logger *slog.Logger) *Agent {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Agent{
		store:       store,
		builder:     b,
		events:      source,
		display:     display,
		tokens:      tokens,
		syncer:      syncer,
		logger:      logger,
		now:         time.Now,
		loc:         cfg.Location,
		pushes:      make(chan notifier.PushPayload, 16),
		prefs:       prefs,
		vapidKey:    cfg.VAPIDKey,
		interval:    cfg.CheckInterval,
		pushEnabled: cfg.PushEnabled,
		listeners:   make(map[uint64]func(notifier.Notification)),
	}
}

// Check fires every fallback notification in the pending window. Each record
// is claimed atomically before display, so it is shown at most once; a record
// whose display fails is not retried and is counted in DisplayFailures.
func (a *Agent) Check(ctx context.Context) (int, error) {
	a.ops.Lock()
	defer a.ops.Unlock()

	claimed, err := a.store.ClaimPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("claim pending: %w", err)
	}

	shown := 0
	for i := range claimed {
		sn := &claimed[i]
		n := notifier.Notification{
			ID:         sn.ID,
			Title:      sn.Title,
			Body:       sn.Body,
			CategoryID: sn.CategoryID,
			EventName:  sn.EventName,
			Date:       eventDate(sn, a.loc),
		}
		if err := a.display.Display(ctx, n); err != nil {
			a.recordDisplayFailure(sn.ID, err)
			continue
		}
		shown++
		a.logger.Info("Fallback notification shown", "id", sn.ID, "fire_at", sn.FireAt())
	}
	return shown, nil
}

// HandlePush shows an inbound push. Matching fallback entries for the same
// event are cancelled before display, whatever offset produced them.
func (a *Agent) HandlePush(ctx context.Context, p notifier.PushPayload) (notifier.Notification, error) {
	n := a.builder.BuildFromPush(&p)

	a.ops.Lock()
	cancelled, err := a.store.CancelEvent(ctx, n.ID)
	if err != nil {
		a.logger.Warn("Failed to cancel fallback entries", "event_key", n.ID, "error", err)
	} else if cancelled > 0 {
		a.logger.Info("Fallback entries cancelled by push", "event_key", n.ID, "count", cancelled)
	}
	err = a.display.Display(ctx, n)
	a.ops.Unlock()

	if err != nil {
		a.recordDisplayFailure(n.ID, err)
		return n, fmt.Errorf("display push: %w", err)
	}
	a.notify(n)
	return n, nil
}

// DisplayFailures returns how many notifications failed to display since New.
func (a *Agent) DisplayFailures() uint64 {
	return a.displayFailures.Load()
}

func (a *Agent) recordDisplayFailure(id string, err error) {
	n := a.displayFailures.Add(1)
	a.logger.Warn("Failed to display notification",
		slog.Group("diag",
			"component", "agent",
			"op", "display",
			"id", id,
			"failures", n,
			"error", err.Error(),
		),
	)
}

// Push hands an inbound payload to Run.
func (a *Agent) Push(ctx context.Context, p notifier.PushPayload) error {
	select {
	case a.pushes <- p:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Rebuild replaces the fallback schedule with the notifications for date. The
// schedule is kept whether or not push is enabled. Events already shown or
// cancelled by a push stay suppressed in the new schedule.
func (a *Agent) Rebuild(ctx context.Context, date time.Time) (int, error) {
	a.ops.Lock()
	defer a.ops.Unlock()
	return a.rebuild(ctx, date, a.handledEvents(ctx))
}

// handledEvents returns the event keys that already have a delivered record.
func (a *Agent) handledEvents(ctx context.Context) map[string]bool {
	handled := make(map[string]bool)
	for _, rec := range a.store.AllNotifications(ctx) {
		if rec.Delivered {
			handled[rec.EventKey] = true
		}
	}
	return handled
}

// rebuild expects ops to be held.
func (a *Agent) rebuild(ctx context.Context, date time.Time, handled map[string]bool) (int, error) {
	a.mu.Lock()
	prefs := builder.EffectivePreferences(&a.prefs, date)
	a.mu.Unlock()

	evs, err := a.events.EventsForDate(ctx, date)
	if err != nil {
		return 0, fmt.Errorf("fetch events: %w", err)
	}

	notes := a.builder.BuildScheduled(evs, prefs)
	armed := 0
	for i := range notes {
		if handled[notes[i].EventKey] {
			notes[i].Delivered = true
			continue
		}
		armed++
	}
	if err := a.store.StoreNotifications(ctx, notes); err != nil {
		return 0, fmt.Errorf("store notifications: %w", err)
	}
	if removed, err := a.store.ClearOldNotifications(ctx); err != nil {
		a.logger.Warn("Failed to clear old notifications", "error", err)
	} else if removed > 0 {
		a.logger.Debug("Old notifications cleared", "count", removed)
	}

	a.logger.Info("Fallback schedule rebuilt",
		"date", notifier.DateString(date),
		"events", len(evs),
		"scheduled", armed,
		"suppressed", len(notes)-armed)
	return armed, nil
}

// SetPreferences replaces the local preferences and rebuilds the fallback
// schedule for today. With push enabled they are also synced to the server.
func (a *Agent) SetPreferences(ctx context.Context, prefs notifier.Preferences) error {
	a.mu.Lock()
	a.prefs = prefs
	enabled, token := a.pushEnabled, a.token
	a.mu.Unlock()

	_, rebuildErr := a.Rebuild(ctx, a.now().In(a.loc))
	if rebuildErr != nil {
		rebuildErr = fmt.Errorf("rebuild: %w", rebuildErr)
	}
	var syncErr error
	if enabled && a.syncer != nil && token != "" {
		if err := a.syncer.SyncPreferences(ctx, token, prefs); err != nil {
			syncErr = fmt.Errorf("sync preferences: %w", err)
		}
	}
	return errors.Join(rebuildErr, syncErr)
}

// TogglePush switches between push and fallback delivery. It always returns a
// result and a short status for the user; errors are logged, never returned.
func (a *Agent) TogglePush(ctx context.Context, enable bool) (bool, string) {
	if !enable {
		a.mu.Lock()
		a.pushEnabled = false
		a.mu.Unlock()

		n, err := a.Rebuild(ctx, a.now().In(a.loc))
		if err != nil {
			a.logger.Warn("Failed to rebuild fallback schedule", "error", err)
			return false, "Push disabled, but local reminders could not be scheduled"
		}
		return true, fmt.Sprintf("Push disabled, %d local reminders scheduled", n)
	}

	token, err := a.tokens.Token(ctx, a.vapidKey)
	if err != nil || token == "" {
		a.logger.Warn("Failed to obtain push token", "error", err)
		return false, "Could not get a push token"
	}

	a.mu.Lock()
	prefs := a.prefs
	a.mu.Unlock()

	if a.syncer != nil {
		if err := a.syncer.SyncPreferences(ctx, token, prefs); err != nil {
			a.logger.Warn("Failed to sync preferences", "token", push.RedactToken(token), "error", err)
			return false, "Could not reach the server"
		}
	}

	a.ops.Lock()
	defer a.ops.Unlock()

	a.mu.Lock()
	a.pushEnabled = true
	a.token = token
	a.mu.Unlock()

	// Mode transition: wipe, then re-arm today's schedule.
	handled := a.handledEvents(ctx)
	if err := a.store.ClearAllNotifications(ctx); err != nil {
		a.logger.Warn("Failed to clear fallback schedule", "error", err)
	}
	n, err := a.rebuild(ctx, a.now().In(a.loc), handled)
	if err != nil {
		a.logger.Warn("Failed to rebuild fallback schedule", "error", err)
	}
	a.logger.Info("Push enabled", "token", push.RedactToken(token), "fallback_scheduled", n)
	return true, "Push notifications enabled"
}

// PushEnabled reports the current delivery mode.
func (a *Agent) PushEnabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pushEnabled
}

// Run owns the agent loop until ctx is cancelled: it rebuilds the schedule
// at start and after each midnight, runs the checker every interval, and
// handles payloads delivered through Push.
func (a *Agent) Run(ctx context.Context) error {
	if _, err := a.Rebuild(ctx, a.now().In(a.loc)); err != nil {
		a.logger.Warn("Initial fallback rebuild failed", "error", err)
	}
	if _, err := a.Check(ctx); err != nil {
		a.logger.Warn("Fallback check failed", "error", err)
	}

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	rebuild := time.NewTimer(untilNextDay(a.now().In(a.loc)))
	defer rebuild.Stop()

	a.logger.Info("Agent started", "check_interval", a.interval, "push_enabled", a.PushEnabled())
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("Agent stopped")
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			if _, err := a.Check(ctx); err != nil {
				a.logger.Warn("Fallback check failed", "error", err)
			}
		case p := <-a.pushes:
			if _, err := a.HandlePush(ctx, p); err != nil {
				a.logger.Warn("Failed to handle push", "event", p.EventName, "error", err)
			}
		case <-rebuild.C:
			now := a.now().In(a.loc)
			if _, err := a.Rebuild(ctx, now); err != nil {
				a.logger.Warn("Daily fallback rebuild failed", "error", err)
			}
			rebuild.Reset(untilNextDay(now))
		}
	}
}

// untilNextDay returns the delay to one minute past the next local midnight.
func untilNextDay(now time.Time) time.Duration {
	y, m, d := now.Date()
	next := time.Date(y, m, d+1, 0, 1, 0, 0, now.Location())
	return next.Sub(now)
}

// eventDate recovers the event's date string from its offset-insensitive key.
func eventDate(n *notifier.ScheduledNotification, loc *time.Location) string {
	if i := strings.LastIndex(n.EventKey, "_"); i >= 0 && i+1 < len(n.EventKey) {
		return n.EventKey[i+1:]
	}
	return notifier.DateString(n.FireAt().In(loc))
}

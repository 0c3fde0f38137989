// Package schedule runs the daily server-side pass that turns subscriber
// preferences and the day's events into delayed push tasks.
package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"reminder-notifier/builder"
	"reminder-notifier/email"
	"reminder-notifier/events"
	"reminder-notifier/pkg/notifier"
	"reminder-notifier/push"
	"reminder-notifier/taskqueue"
)

// DefaultEnqueueTimeout bounds each task-creation call.
const DefaultEnqueueTimeout = 10 * time.Second

// Subscribers lists stored user records.
type Subscribers interface {
	List(ctx context.Context) ([]*notifier.Subscriber, error)
	Key(token string) string
}

// Enqueuer creates delayed tasks.
type Enqueuer interface {
	Enqueue(ctx context.Context, endpointURL string, payload []byte, fireAt time.Time, idempotencyKey string) (*taskqueue.Task, error)
}

// Alerter reports pass-level failures out of band.
type Alerter interface {
	SendAlert(ctx context.Context, subject, message string, details ...email.Detail) error
}

// Report summarises one pass.
type Report struct {
	Date        string        `json:"date"`
	Subscribers int           `json:"subscribers"`
	Events      int           `json:"events"`
	Scheduled   int           `json:"scheduled"`
	Duplicates  int           `json:"duplicates"`
	Failures    int           `json:"failures"`
	Duration    time.Duration `json:"duration"`
}

// Driver runs the daily scheduling pass.
type Driver struct {
	subscribers    Subscribers
	events         events.Source
	builder        *builder.Builder
	queue          Enqueuer
	alerter        Alerter
	logger         *slog.Logger
	endpoint       string
	enqueueTimeout time.Duration
}

// New creates a driver that enqueues tasks addressed to endpoint. alerter may be nil.
func New(subscribers Subscribers, source events.Source, b *builder.Builder, queue Enqueuer, alerter Alerter, endpoint string, logger *slog.Logger) *Driver {
	return &Driver{
		subscribers:    subscribers,
		events:         source,
		builder:        b,
		queue:          queue,
		alerter:        alerter,
		logger:         logger,
		endpoint:       endpoint,
		enqueueTimeout: DefaultEnqueueTimeout,
	}
}

// RunDaily schedules every eligible notification for date. Rerunning it for
// the same date enqueues nothing new. Individual enqueue failures are counted
// in the report; only listing subscribers or fetching events fails the pass.
func (d *Driver) RunDaily(ctx context.Context, date time.Time) (*Report, error) {
	start := time.Now()
	report := &Report{Date: notifier.DateString(date)}

	subs, err := d.subscribers.List(ctx)
	if err != nil {
		err = fmt.Errorf("list subscribers: %w", err)
		d.alert(ctx, "Scheduling pass failed", err.Error(), report)
		return report, err
	}
	report.Subscribers = len(subs)

	evs, err := d.events.EventsForDate(ctx, date)
	if err != nil {
		err = fmt.Errorf("fetch events: %w", err)
		d.alert(ctx, "Scheduling pass failed", err.Error(), report)
		return report, err
	}
	report.Events = len(evs)

	d.logger.Info("Scheduling pass started",
		"date", report.Date,
		"subscribers", report.Subscribers,
		"events", report.Events)

	if len(evs) == 0 {
		d.alert(ctx, "No events found", "The event sources returned no events for "+report.Date+".", report)
		report.Duration = time.Since(start)
		return report, nil
	}

	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			d.logger.Info("Context cancelled, stopping scheduling pass", "error", err)
			report.Duration = time.Since(start)
			return report, err
		}
		if sub.Token == "" {
			continue
		}
		d.scheduleSubscriber(ctx, sub, evs, date, report)
	}
	report.Duration = time.Since(start)

	d.logger.Info("Scheduling pass completed",
		"date", report.Date,
		"scheduled", report.Scheduled,
		"duplicates", report.Duplicates,
		"failures", report.Failures,
		"duration_ms", report.Duration.Milliseconds())

	if report.Scheduled == 0 && report.Duplicates == 0 {
		d.alert(ctx, "No notifications scheduled", "The scheduling pass created no tasks for "+report.Date+".", report)
	}
	return report, nil
}

func (d *Driver) scheduleSubscriber(ctx context.Context, sub *notifier.Subscriber, evs []notifier.Event, date time.Time, report *Report) {
	prefs := builder.EffectivePreferences(&sub.Preferences, date)
	notes := d.builder.BuildScheduled(evs, prefs)
	key := d.subscribers.Key(sub.Token)

	for i := range notes {
		n := &notes[i]
		payload, err := json.Marshal(notifier.PushPayload{
			FCMToken:      sub.Token,
			CategoryID:    n.CategoryID,
			EventName:     n.EventName,
			TimeStr:       n.EventTimeStr,
			MinutesBefore: n.MinutesBefore,
			Title:         n.Title,
			Body:          n.Body,
			Date:          notifier.DateString(date),
		})
		if err != nil {
			report.Failures++
			d.logger.Error("Failed to encode push payload", "notification_id", n.ID, "error", err)
			continue
		}

		enqueueCtx, cancel := context.WithTimeout(ctx, d.enqueueTimeout)
		_, err = d.queue.Enqueue(enqueueCtx, d.endpoint, payload, n.FireAt(), key+":"+n.ID)
		cancel()

		switch {
		case errors.Is(err, taskqueue.ErrDuplicate):
			report.Duplicates++
		case err != nil:
			report.Failures++
			d.logger.Warn("Task creation failed",
				"token", push.RedactToken(sub.Token),
				"notification_id", n.ID,
				"error", err)
		default:
			report.Scheduled++
			d.logger.Debug("Notification scheduled",
				"token", push.RedactToken(sub.Token),
				"notification_id", n.ID,
				"fire_at", n.FireAt())
		}
	}
}

func (d *Driver) alert(ctx context.Context, subject, message string, r *Report) {
	d.logger.Warn("Scheduling alert", "subject", subject, "message", message, "date", r.Date)
	if d.alerter == nil {
		return
	}
	err := d.alerter.SendAlert(ctx, subject, message,
		email.Detail{Label: "Date", Value: r.Date},
		email.Detail{Label: "Subscribers", Value: strconv.Itoa(r.Subscribers)},
		email.Detail{Label: "Events", Value: strconv.Itoa(r.Events)},
		email.Detail{Label: "Scheduled", Value: strconv.Itoa(r.Scheduled)},
		email.Detail{Label: "Failures", Value: strconv.Itoa(r.Failures)},
	)
	if err != nil {
		d.logger.Error("Failed to send scheduling alert", "subject", subject, "error", err)
	}
}

package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"reminder-notifier/builder"
	"reminder-notifier/email"
	"reminder-notifier/pkg/notifier"
	"reminder-notifier/taskqueue"
)

var testDate = time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSubscribers struct {
	err  error
	subs []*notifier.Subscriber
}

func (f *fakeSubscribers) List(context.Context) ([]*notifier.Subscriber, error) {
	return f.subs, f.err
}

func (f *fakeSubscribers) Key(token string) string { return "k-" + token }

type fakeSource struct {
	err    error
	events []notifier.Event
}

func (f *fakeSource) EventsForDate(context.Context, time.Time) ([]notifier.Event, error) {
	return f.events, f.err
}

type failingQueue struct{}

func (failingQueue) Enqueue(context.Context, string, []byte, time.Time, string) (*taskqueue.Task, error) {
	return nil, errors.New("queue unavailable")
}

func at(h, m int) time.Time {
	return time.Date(2025, 3, 14, h, m, 0, 0, time.UTC)
}

func testBuilder() *builder.Builder {
	cats := []notifier.Category{
		{ID: "meeting", Name: "Meeting", TitleTemplate: "{{name}} soon", BodyTemplate: "{{name}} at {{time}}"},
		{ID: "prayer", Name: "Prayer", TitleTemplate: "{{category}}: {{name}}", BodyTemplate: "{{name}} in {{offset}} minutes"},
	}
	return builder.New(cats, builder.WithClock(func() time.Time { return at(7, 0) }))
}

func testEvents() []notifier.Event {
	return []notifier.Event{
		{ID: "1", CategoryID: "meeting", Name: "Standup", Time: at(9, 0)},
		{ID: "2", CategoryID: "prayer", Name: "Dhuhr", Time: at(12, 0)},
	}
}

func testSubscribers() *fakeSubscribers {
	return &fakeSubscribers{subs: []*notifier.Subscriber{
		{Token: "token-alpha-0123456789", Preferences: notifier.Preferences{
			Categories:    map[string]bool{"meeting": true},
			MinutesBefore: 15,
		}},
		{Token: "token-bravo-0123456789", Preferences: notifier.Preferences{
			Categories:    map[string]bool{"meeting": false, "prayer": true},
			MinutesBefore: 10,
			DateOverrides: notifier.DateOverrides{"Fri Mar 14 2025": {"meeting": true}},
		}},
		{Token: "", Preferences: notifier.Preferences{Categories: map[string]bool{"meeting": true}}},
	}}
}

func TestRunDailySchedulesAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	backend := taskqueue.NewMemoryBackend()
	mock := email.NewMockProvider(discard())
	alerter := email.New(mock, discard(), "", "", []string{"ops@example.com"})
	d := New(testSubscribers(), &fakeSource{events: testEvents()}, testBuilder(), taskqueue.New(backend, discard()), alerter, "https://example.com/api/send", discard())

	report, err := d.RunDaily(ctx, testDate)
	if err != nil {
		t.Fatalf("RunDaily() error = %v", err)
	}
	if report.Scheduled != 3 || report.Failures != 0 || report.Duplicates != 0 {
		t.Errorf("first pass report = %+v, want 3 scheduled", report)
	}
	if report.Subscribers != 3 || report.Events != 2 || report.Date != "Fri Mar 14 2025" {
		t.Errorf("report counts = %+v", report)
	}

	report, err = d.RunDaily(ctx, testDate)
	if err != nil {
		t.Fatalf("second RunDaily() error = %v", err)
	}
	if report.Scheduled != 0 || report.Duplicates != 3 {
		t.Errorf("second pass report = %+v, want 3 duplicates", report)
	}
	if backend.Len() != 3 {
		t.Errorf("queue holds %d tasks, want 3", backend.Len())
	}
	if n := len(mock.Sent()); n != 0 {
		t.Errorf("sent %d alerts, want 0", n)
	}
}

func TestRunDailyPayload(t *testing.T) {
	ctx := context.Background()
	backend := taskqueue.NewMemoryBackend()
	subs := &fakeSubscribers{subs: testSubscribers().subs[:1]}
	d := New(subs, &fakeSource{events: testEvents()}, testBuilder(), taskqueue.New(backend, discard()), nil, "https://example.com/api/send", discard())

	if _, err := d.RunDaily(ctx, testDate); err != nil {
		t.Fatalf("RunDaily() error = %v", err)
	}

	task, err := backend.Claim(ctx, "test")
	if err != nil || task == nil {
		t.Fatalf("Claim() = %v, %v", task, err)
	}
	if !task.RunAt.Equal(at(8, 45)) {
		t.Errorf("RunAt = %v, want 08:45", task.RunAt)
	}
	if task.Endpoint != "https://example.com/api/send" {
		t.Errorf("Endpoint = %q", task.Endpoint)
	}
	wantKey := "k-token-alpha-0123456789:meeting_Standup_15_Fri Mar 14 2025"
	if task.IdempotencyKey == nil || *task.IdempotencyKey != wantKey {
		t.Errorf("IdempotencyKey = %v, want %q", task.IdempotencyKey, wantKey)
	}

	var p notifier.PushPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	want := notifier.PushPayload{
		FCMToken:      "token-alpha-0123456789",
		CategoryID:    "meeting",
		EventName:     "Standup",
		TimeStr:       "9:00 AM",
		MinutesBefore: 15,
		Title:         "Standup soon",
		Body:          "Standup at 9:00 AM",
		Date:          "Fri Mar 14 2025",
	}
	if p != want {
		t.Errorf("payload = %+v, want %+v", p, want)
	}
}

func TestRunDailyAlerts(t *testing.T) {
	tests := []struct {
		name        string
		subs        *fakeSubscribers
		source      *fakeSource
		queue       Enqueuer
		wantErr     bool
		wantSubject string
	}{
		{
			name:        "no events",
			subs:        testSubscribers(),
			source:      &fakeSource{},
			wantSubject: "No events found",
		},
		{
			name:        "source error",
			subs:        testSubscribers(),
			source:      &fakeSource{err: errors.New("calendar down")},
			wantErr:     true,
			wantSubject: "Scheduling pass failed",
		},
		{
			name:        "subscriber listing error",
			subs:        &fakeSubscribers{err: errors.New("bucket gone")},
			source:      &fakeSource{events: testEvents()},
			wantErr:     true,
			wantSubject: "Scheduling pass failed",
		},
		{
			name:        "every enqueue fails",
			subs:        testSubscribers(),
			source:      &fakeSource{events: testEvents()},
			queue:       failingQueue{},
			wantSubject: "No notifications scheduled",
		},
		{
			name:        "no subscribers",
			subs:        &fakeSubscribers{},
			source:      &fakeSource{events: testEvents()},
			wantSubject: "No notifications scheduled",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := email.NewMockProvider(discard())
			alerter := email.New(mock, discard(), "", "", []string{"ops@example.com"})
			queue := tt.queue
			if queue == nil {
				queue = taskqueue.New(taskqueue.NewMemoryBackend(), discard())
			}
			d := New(tt.subs, tt.source, testBuilder(), queue, alerter, "https://example.com/api/send", discard())

			report, err := d.RunDaily(context.Background(), testDate)
			if (err != nil) != tt.wantErr {
				t.Fatalf("RunDaily() error = %v, wantErr %v", err, tt.wantErr)
			}
			if report == nil {
				t.Fatal("RunDaily() returned nil report")
			}

			sent := mock.Sent()
			if len(sent) != 1 {
				t.Fatalf("sent %d alerts, want 1", len(sent))
			}
			if !strings.Contains(sent[0].Subject, tt.wantSubject) {
				t.Errorf("alert subject = %q, want %q", sent[0].Subject, tt.wantSubject)
			}
		})
	}
}

func TestRunDailyCountsFailures(t *testing.T) {
	d := New(testSubscribers(), &fakeSource{events: testEvents()}, testBuilder(), failingQueue{}, nil, "https://example.com/api/send", discard())
	report, err := d.RunDaily(context.Background(), testDate)
	if err != nil {
		t.Fatalf("RunDaily() error = %v", err)
	}
	if report.Failures != 3 || report.Scheduled != 0 {
		t.Errorf("report = %+v, want 3 failures", report)
	}
}

func TestValidateSpec(t *testing.T) {
	for _, spec := range []string{"0 5 * * *", "@daily", "*/15 * * * 1-5"} {
		if err := ValidateSpec(spec); err != nil {
			t.Errorf("ValidateSpec(%q) error = %v", spec, err)
		}
	}
	for _, spec := range []string{"", "every day", "61 * * * *", "0 0 5 * * *"} {
		if err := ValidateSpec(spec); err == nil {
			t.Errorf("ValidateSpec(%q) succeeded", spec)
		}
	}
}

func TestNewCronRejectsBadSpec(t *testing.T) {
	d := New(testSubscribers(), &fakeSource{}, testBuilder(), failingQueue{}, nil, "https://example.com/api/send", discard())
	if _, err := NewCron("not a cron", time.UTC, 0, d, discard()); err == nil {
		t.Error("NewCron() accepted invalid spec")
	}
	c, err := NewCron("0 5 * * *", time.UTC, time.Minute, d, discard())
	if err != nil {
		t.Fatalf("NewCron() error = %v", err)
	}
	c.Start()
	c.Stop(context.Background())
}

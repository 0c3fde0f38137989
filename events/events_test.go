package events

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"reminder-notifier/pkg/notifier"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func icsFeed(events ...string) string {
	lines := []string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//reminder-notifier//test//EN",
	}
	for _, e := range events {
		lines = append(lines, strings.Split(strings.TrimSpace(e), "\n")...)
	}
	lines = append(lines, "END:VCALENDAR")
	return strings.Join(lines, "\r\n") + "\r\n"
}

const standupEvent = `BEGIN:VEVENT
UID:standup-1
DTSTAMP:20240101T000000Z
DTSTART:20240101T090000Z
RRULE:FREQ=DAILY;COUNT=30
EXDATE:20240116T090000Z
SUMMARY:Standup
CATEGORIES:Meeting
LOCATION:Room 4
X-SECONDARY-START:20240101T091500Z
END:VEVENT`

const reviewEvent = `BEGIN:VEVENT
UID:review-1
DTSTAMP:20240101T000000Z
DTSTART:20240115T140000Z
SUMMARY:Review
DESCRIPTION:Quarterly review
END:VEVENT`

const holidayEvent = `BEGIN:VEVENT
UID:holiday-1
DTSTAMP:20240101T000000Z
DTSTART;VALUE=DATE:20240115
SUMMARY:Holiday
CATEGORIES:Meeting
END:VEVENT`

func TestParseICS(t *testing.T) {
	feed := icsFeed(standupEvent, reviewEvent, holidayEvent)
	monday := time.Date(2024, time.January, 15, 0, 0, 0, 0, time.UTC)

	evs, err := ParseICS(strings.NewReader(feed), monday, time.UTC, "general")
	if err != nil {
		t.Fatalf("ParseICS() error = %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("ParseICS() returned %d events, want 2: %+v", len(evs), evs)
	}

	byName := map[string]notifier.Event{}
	for _, ev := range evs {
		byName[ev.Name] = ev
	}

	standup, ok := byName["Standup"]
	if !ok {
		t.Fatal("Standup occurrence missing")
	}
	if standup.CategoryID != "meeting" {
		t.Errorf("Standup category = %q, want meeting", standup.CategoryID)
	}
	if want := time.Date(2024, time.January, 15, 9, 0, 0, 0, time.UTC); !standup.Time.Equal(want) {
		t.Errorf("Standup time = %v, want %v", standup.Time, want)
	}
	if standup.SecondaryTime == nil || !standup.SecondaryTime.Equal(time.Date(2024, time.January, 15, 9, 15, 0, 0, time.UTC)) {
		t.Errorf("Standup secondary time = %v", standup.SecondaryTime)
	}
	if standup.Metadata["location"] != "Room 4" {
		t.Errorf("Standup metadata = %v", standup.Metadata)
	}

	review := byName["Review"]
	if review.CategoryID != "general" {
		t.Errorf("Review category = %q, want default", review.CategoryID)
	}
	if review.SecondaryTime != nil {
		t.Errorf("Review secondary time = %v, want nil", review.SecondaryTime)
	}
	if review.Metadata["description"] != "Quarterly review" {
		t.Errorf("Review metadata = %v", review.Metadata)
	}
}

func TestParseICSExcludedDate(t *testing.T) {
	tuesday := time.Date(2024, time.January, 16, 0, 0, 0, 0, time.UTC)
	evs, err := ParseICS(strings.NewReader(icsFeed(standupEvent)), tuesday, time.UTC, "")
	if err != nil {
		t.Fatalf("ParseICS() error = %v", err)
	}
	if len(evs) != 0 {
		t.Errorf("ParseICS() on excluded date = %+v, want none", evs)
	}
}

func TestParseICSFloatingTime(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*60*60)
	feed := icsFeed(`BEGIN:VEVENT
UID:floating-1
DTSTAMP:20240101T000000Z
DTSTART:20240115T070000
SUMMARY:Gym
CATEGORIES:fitness
END:VEVENT`)

	evs, err := ParseICS(strings.NewReader(feed), time.Date(2024, time.January, 15, 12, 0, 0, 0, loc), loc, "")
	if err != nil {
		t.Fatalf("ParseICS() error = %v", err)
	}
	if len(evs) != 1 {
		t.Fatalf("ParseICS() returned %d events, want 1", len(evs))
	}
	if got := evs[0].Time.In(loc); got.Hour() != 7 || got.Minute() != 0 {
		t.Errorf("floating time = %v, want 07:00 local", got)
	}
}

func TestParseICSInvalid(t *testing.T) {
	if _, err := ParseICS(strings.NewReader("not a calendar"), time.Now(), time.UTC, ""); err == nil {
		t.Error("ParseICS() of garbage succeeded")
	}
}

const timetableHTML = `<html><body>
<table class="times">
  <tr><th>Name</th><th>Start</th><th>Second</th></tr>
  <tr><td>Fajr</td><td>5:30 AM</td><td>5:45 AM</td></tr>
  <tr data-category="meeting"><td>Standup</td><td>09:00</td><td></td></tr>
  <tr><td>Broken</td><td>soon</td><td></td></tr>
  <tr><td>Maghrib</td><td>4:52 PM</td></tr>
</table>
</body></html>`

func TestParseTimetable(t *testing.T) {
	date := time.Date(2024, time.January, 15, 0, 0, 0, 0, time.UTC)
	evs, err := ParseTimetable(strings.NewReader(timetableHTML), date, time.UTC, "prayer", "table.times tr")
	if err != nil {
		t.Fatalf("ParseTimetable() error = %v", err)
	}
	if len(evs) != 3 {
		t.Fatalf("ParseTimetable() returned %d events, want 3: %+v", len(evs), evs)
	}

	tests := []struct {
		name      string
		category  string
		hour, min int
		secondary bool
	}{
		{name: "Fajr", category: "prayer", hour: 5, min: 30, secondary: true},
		{name: "Standup", category: "meeting", hour: 9, min: 0},
		{name: "Maghrib", category: "prayer", hour: 16, min: 52},
	}
	for i, tt := range tests {
		ev := evs[i]
		if ev.Name != tt.name || ev.CategoryID != tt.category {
			t.Errorf("event %d = %s/%s, want %s/%s", i, ev.CategoryID, ev.Name, tt.category, tt.name)
		}
		if ev.Time.Hour() != tt.hour || ev.Time.Minute() != tt.min || ev.Time.Day() != 15 {
			t.Errorf("event %d time = %v", i, ev.Time)
		}
		if (ev.SecondaryTime != nil) != tt.secondary {
			t.Errorf("event %d secondary = %v, want present=%v", i, ev.SecondaryTime, tt.secondary)
		}
	}
}

func TestStaticSource(t *testing.T) {
	entries := []StaticEntry{
		{Category: "meeting", Name: "Standup", Time: "9:00", Weekdays: []string{"mon", "Tue"}},
		{Category: "meal", Name: "Lunch", Time: "12:30 PM", SecondaryTime: "1:00 PM"},
		{Category: "meal", Name: "Bad", Time: "noon"},
	}
	src := NewStaticSource(entries, time.UTC)

	monday := time.Date(2024, time.January, 15, 18, 0, 0, 0, time.UTC)
	evs, err := src.EventsForDate(context.Background(), monday)
	if err != nil {
		t.Fatalf("EventsForDate() error = %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("EventsForDate(monday) = %+v, want 2 events", evs)
	}
	if evs[1].SecondaryTime == nil || evs[1].SecondaryTime.Hour() != 13 {
		t.Errorf("Lunch secondary = %v", evs[1].SecondaryTime)
	}

	sunday := time.Date(2024, time.January, 14, 8, 0, 0, 0, time.UTC)
	evs, _ = src.EventsForDate(context.Background(), sunday)
	if len(evs) != 1 || evs[0].Name != "Lunch" {
		t.Errorf("EventsForDate(sunday) = %+v, want only Lunch", evs)
	}
}

func TestStaticEntryValidate(t *testing.T) {
	tests := []struct {
		entry   StaticEntry
		wantErr bool
	}{
		{entry: StaticEntry{Category: "a", Name: "b", Time: "9:00"}},
		{entry: StaticEntry{Category: "a", Name: "b", Time: "9:00", SecondaryTime: "9:15", Weekdays: []string{"MON"}}},
		{entry: StaticEntry{Name: "b", Time: "9:00"}, wantErr: true},
		{entry: StaticEntry{Category: "a", Name: "b", Time: "25:00"}, wantErr: true},
		{entry: StaticEntry{Category: "a", Name: "b", Time: "9:00", SecondaryTime: "x"}, wantErr: true},
		{entry: StaticEntry{Category: "a", Name: "b", Time: "9:00", Weekdays: []string{"someday"}}, wantErr: true},
	}
	for i, tt := range tests {
		if err := tt.entry.Validate(); (err != nil) != tt.wantErr {
			t.Errorf("case %d: Validate() error = %v, wantErr %v", i, err, tt.wantErr)
		}
	}
}

type fakeSource struct {
	err    error
	events []notifier.Event
	calls  int
}

func (f *fakeSource) EventsForDate(context.Context, time.Time) ([]notifier.Event, error) {
	f.calls++
	return f.events, f.err
}

func TestMulti(t *testing.T) {
	date := time.Date(2024, time.January, 15, 0, 0, 0, 0, time.UTC)
	late := &fakeSource{events: []notifier.Event{{Name: "late", Time: date.Add(10 * time.Hour)}}}
	early := &fakeSource{events: []notifier.Event{{Name: "early", Time: date.Add(8 * time.Hour)}}}
	broken := &fakeSource{err: errors.New("down")}

	evs, err := NewMulti(discardLogger(), late, broken, early).EventsForDate(context.Background(), date)
	if err != nil {
		t.Fatalf("EventsForDate() error = %v", err)
	}
	if len(evs) != 2 || evs[0].Name != "early" || evs[1].Name != "late" {
		t.Errorf("EventsForDate() = %+v, want early then late", evs)
	}

	if _, err := NewMulti(discardLogger(), broken).EventsForDate(context.Background(), date); err == nil {
		t.Error("EventsForDate() with all sources failing returned nil error")
	}
}

func TestCached(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{events: []notifier.Event{{Name: "a"}}}
	c := NewCached(src, 2)

	d1 := time.Date(2024, time.January, 15, 8, 0, 0, 0, time.UTC)
	d1Later := d1.Add(6 * time.Hour)
	d2 := d1.AddDate(0, 0, 1)
	d3 := d1.AddDate(0, 0, 2)

	for _, d := range []time.Time{d1, d1Later} {
		if _, err := c.EventsForDate(ctx, d); err != nil {
			t.Fatalf("EventsForDate() error = %v", err)
		}
	}
	if src.calls != 1 {
		t.Errorf("source called %d times for one date, want 1", src.calls)
	}

	for _, d := range []time.Time{d2, d3, d1} {
		if _, err := c.EventsForDate(ctx, d); err != nil {
			t.Fatalf("EventsForDate() error = %v", err)
		}
	}
	if src.calls != 4 {
		t.Errorf("source called %d times, want 4 after eviction", src.calls)
	}

	src.err = errors.New("boom")
	if _, err := c.EventsForDate(ctx, d1.AddDate(0, 0, 10)); err == nil {
		t.Error("EventsForDate() should surface source errors")
	}
}

func TestICSSourceUsesETag(t *testing.T) {
	var hits, notModified atomic.Int32
	feed := icsFeed(reviewEvent)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			notModified.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Content-Type", "text/calendar")
		fmt.Fprint(w, feed)
	}))
	defer srv.Close()

	src := NewICSSource(srv.URL, "general", time.UTC, srv.Client(), discardLogger())
	date := time.Date(2024, time.January, 15, 0, 0, 0, 0, time.UTC)

	for range 2 {
		evs, err := src.EventsForDate(context.Background(), date)
		if err != nil {
			t.Fatalf("EventsForDate() error = %v", err)
		}
		if len(evs) != 1 || evs[0].Name != "Review" {
			t.Fatalf("EventsForDate() = %+v", evs)
		}
	}
	if hits.Load() != 2 || notModified.Load() != 1 {
		t.Errorf("hits = %d, not modified = %d; want 2 and 1", hits.Load(), notModified.Load())
	}
}

func TestFetchClientErrorNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	src := NewHTMLSource(srv.URL, "prayer", "", time.UTC, srv.Client(), discardLogger())
	if _, err := src.EventsForDate(context.Background(), time.Now()); err == nil {
		t.Fatal("EventsForDate() error = nil, want error")
	}
	if hits.Load() != 1 {
		t.Errorf("server hit %d times, want 1", hits.Load())
	}
}

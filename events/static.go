package events

import (
	"context"
	"fmt"
	"strings"
	"time"

	"reminder-notifier/pkg/notifier"
)

// StaticEntry is a daily event declared in configuration.
type StaticEntry struct {
	Category      string   `yaml:"category"`
	Name          string   `yaml:"name"`
	Time          string   `yaml:"time"`
	SecondaryTime string   `yaml:"secondary_time"`
	Weekdays      []string `yaml:"weekdays"` // e.g. ["mon", "fri"]; empty means every day
}

// Validate reports whether the entry's fields are usable.
func (e StaticEntry) Validate() error {
	if e.Category == "" || e.Name == "" {
		return fmt.Errorf("static event %q: category and name are required", e.Name)
	}
	if _, ok := notifier.ParseTime(e.Time, time.Time{}); !ok {
		return fmt.Errorf("static event %q: invalid time %q", e.Name, e.Time)
	}
	if e.SecondaryTime != "" {
		if _, ok := notifier.ParseTime(e.SecondaryTime, time.Time{}); !ok {
			return fmt.Errorf("static event %q: invalid secondary time %q", e.Name, e.SecondaryTime)
		}
	}
	for _, d := range e.Weekdays {
		if _, ok := weekdays[strings.ToLower(d)]; !ok {
			return fmt.Errorf("static event %q: unknown weekday %q", e.Name, d)
		}
	}
	return nil
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

func (e StaticEntry) occursOn(d time.Weekday) bool {
	if len(e.Weekdays) == 0 {
		return true
	}
	for _, w := range e.Weekdays {
		if weekdays[strings.ToLower(w)] == d {
			return true
		}
	}
	return false
}

// StaticSource repeats configured entries every matching day.
type StaticSource struct {
	loc     *time.Location
	entries []StaticEntry
}

// NewStaticSource creates a source over entries.
func NewStaticSource(entries []StaticEntry, loc *time.Location) *StaticSource {
	if loc == nil {
		loc = time.Local
	}
	return &StaticSource{entries: entries, loc: loc}
}

// EventsForDate implements Source. Invalid entries are skipped.
func (s *StaticSource) EventsForDate(_ context.Context, date time.Time) ([]notifier.Event, error) {
	base, _ := dayBounds(date, s.loc)
	var out []notifier.Event

	for _, e := range s.entries {
		if !e.occursOn(base.Weekday()) {
			continue
		}
		at, ok := notifier.ParseTime(e.Time, base)
		if !ok {
			continue
		}
		ev := notifier.Event{
			ID:         e.Category + "_" + strings.ToLower(e.Name),
			CategoryID: e.Category,
			Name:       e.Name,
			Time:       at,
		}
		if sec, ok := notifier.ParseTime(e.SecondaryTime, base); ok {
			ev.SecondaryTime = &sec
		}
		out = append(out, ev)
	}
	return out, nil
}

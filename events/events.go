// Package events fetches the schedulable events for one calendar date.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"reminder-notifier/pkg/notifier"
)

// Source yields the events occurring on a calendar date.
type Source interface {
	EventsForDate(ctx context.Context, date time.Time) ([]notifier.Event, error)
}

// Multi merges several sources. A failing source is logged and skipped;
// Multi fails only when every source fails.
type Multi struct {
	logger  *slog.Logger
	sources []Source
}

// NewMulti combines sources.
func NewMulti(logger *slog.Logger, sources ...Source) *Multi {
	return &Multi{logger: logger, sources: sources}
}

// EventsForDate implements Source. Results are ordered by time.
func (m *Multi) EventsForDate(ctx context.Context, date time.Time) ([]notifier.Event, error) {
	var (
		out  []notifier.Event
		errs []error
	)
	for i, src := range m.sources {
		evs, err := src.EventsForDate(ctx, date)
		if err != nil {
			m.logger.Warn("Event source failed", "source", i, "date", notifier.DateString(date), "error", err)
			errs = append(errs, err)
			continue
		}
		out = append(out, evs...)
	}
	if len(m.sources) > 0 && len(errs) == len(m.sources) {
		return nil, fmt.Errorf("all event sources failed: %w", errors.Join(errs...))
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Time.Before(out[j].Time)
	})
	return out, nil
}

// Cached fetches from its source at most once per calendar date.
type Cached struct {
	source Source
	byDate map[string][]notifier.Event
	keep   int
	order  []string
	mu     sync.Mutex
}

// NewCached wraps source, remembering the most recent keep dates.
func NewCached(source Source, keep int) *Cached {
	if keep <= 0 {
		keep = 7
	}
	return &Cached{
		source: source,
		byDate: make(map[string][]notifier.Event),
		keep:   keep,
	}
}

// EventsForDate implements Source. Errors are not cached.
func (c *Cached) EventsForDate(ctx context.Context, date time.Time) ([]notifier.Event, error) {
	key := notifier.DateString(date)

	c.mu.Lock()
	defer c.mu.Unlock()

	if evs, ok := c.byDate[key]; ok {
		return evs, nil
	}

	evs, err := c.source.EventsForDate(ctx, date)
	if err != nil {
		return nil, err
	}

	c.byDate[key] = evs
	c.order = append(c.order, key)
	for len(c.order) > c.keep {
		delete(c.byDate, c.order[0])
		c.order = c.order[1:]
	}
	return evs, nil
}

// sameDay reports whether t falls on date's calendar day in loc.
func sameDay(t, date time.Time, loc *time.Location) bool {
	ty, tm, td := t.In(loc).Date()
	dy, dm, dd := date.In(loc).Date()
	return ty == dy && tm == dm && td == dd
}

// dayBounds returns [start, end) of date's calendar day in loc.
func dayBounds(date time.Time, loc *time.Location) (time.Time, time.Time) {
	y, m, d := date.In(loc).Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}

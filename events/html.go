package events

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"reminder-notifier/pkg/notifier"
)

// DefaultRowSelector matches the rows of a plain timetable.
const DefaultRowSelector = "table tr"

// HTMLSource reads a daily timetable published as an HTML table.
//
// Each matched row holds the event name, its time, and optionally a secondary
// time, in the first three cells. A data-category attribute on the row
// overrides the source category.
type HTMLSource struct {
	fetcher     *fetcher
	logger      *slog.Logger
	loc         *time.Location
	url         string
	category    string
	rowSelector string
}

// NewHTMLSource creates a timetable source. An empty rowSelector uses DefaultRowSelector.
func NewHTMLSource(url, category, rowSelector string, loc *time.Location, client *http.Client, logger *slog.Logger) *HTMLSource {
	if rowSelector == "" {
		rowSelector = DefaultRowSelector
	}
	if loc == nil {
		loc = time.Local
	}
	return &HTMLSource{
		fetcher:     newFetcher(client, logger),
		logger:      logger,
		loc:         loc,
		url:         url,
		category:    category,
		rowSelector: rowSelector,
	}
}

// EventsForDate implements Source. The timetable is assumed to describe the
// requested date.
func (s *HTMLSource) EventsForDate(ctx context.Context, date time.Time) ([]notifier.Event, error) {
	body, err := s.fetcher.fetch(ctx, s.url, "text/html")
	if err != nil {
		return nil, err
	}
	evs, err := ParseTimetable(bytes.NewReader(body), date, s.loc, s.category, s.rowSelector)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.url, err)
	}
	s.logger.Info("Timetable events loaded", "url", s.url, "date", notifier.DateString(date), "event_count", len(evs))
	return evs, nil
}

// ParseTimetable extracts events from the rows matching rowSelector.
// Rows without a parseable time are ignored.
func ParseTimetable(r io.Reader, date time.Time, loc *time.Location, category, rowSelector string) ([]notifier.Event, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, err
	}

	base, _ := dayBounds(date, loc)
	var out []notifier.Event

	doc.Find(rowSelector).Each(func(i int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 2 {
			return
		}

		name := strings.TrimSpace(cells.Eq(0).Text())
		at, ok := notifier.ParseTime(cells.Eq(1).Text(), base)
		if name == "" || !ok {
			return
		}

		cat := category
		if v, exists := row.Attr("data-category"); exists && strings.TrimSpace(v) != "" {
			cat = strings.TrimSpace(v)
		}
		if cat == "" {
			return
		}

		ev := notifier.Event{
			ID:         fmt.Sprintf("%s_%s_%d", cat, strings.ToLower(name), i),
			CategoryID: cat,
			Name:       name,
			Time:       at,
		}
		if cells.Length() > 2 {
			if sec, ok := notifier.ParseTime(cells.Eq(2).Text(), base); ok {
				ev.SecondaryTime = &sec
			}
		}
		out = append(out, ev)
	})

	return out, nil
}

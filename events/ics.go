package events

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	"reminder-notifier/pkg/notifier"
)

// PropertySecondaryStart carries an event's alternate instant in a VEVENT.
const PropertySecondaryStart = ical.ComponentProperty("X-SECONDARY-START")

// ICSSource reads events from an iCalendar feed.
type ICSSource struct {
	fetcher         *fetcher
	logger          *slog.Logger
	loc             *time.Location
	url             string
	defaultCategory string
}

// NewICSSource creates a source for the feed at url. Events without a
// CATEGORIES property are assigned defaultCategory.
func NewICSSource(url, defaultCategory string, loc *time.Location, client *http.Client, logger *slog.Logger) *ICSSource {
	if loc == nil {
		loc = time.Local
	}
	return &ICSSource{
		fetcher:         newFetcher(client, logger),
		logger:          logger,
		loc:             loc,
		url:             url,
		defaultCategory: defaultCategory,
	}
}

// EventsForDate implements Source.
func (s *ICSSource) EventsForDate(ctx context.Context, date time.Time) ([]notifier.Event, error) {
	body, err := s.fetcher.fetch(ctx, s.url, "text/calendar")
	if err != nil {
		return nil, err
	}
	evs, err := ParseICS(bytes.NewReader(body), date, s.loc, s.defaultCategory)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.url, err)
	}
	s.logger.Info("ICS events loaded", "url", s.url, "date", notifier.DateString(date), "event_count", len(evs))
	return evs, nil
}

// ParseICS returns the timed occurrences in r that fall on date in loc.
// Recurring events are expanded; all-day events and events without a summary
// or category are skipped.
func ParseICS(r io.Reader, date time.Time, loc *time.Location, defaultCategory string) ([]notifier.Event, error) {
	cal, err := ical.ParseCalendar(r)
	if err != nil {
		return nil, fmt.Errorf("parse calendar: %w", err)
	}

	dayStart, dayEnd := dayBounds(date, loc)
	var out []notifier.Event

	for _, ve := range cal.Events() {
		name := propValue(ve, ical.ComponentPropertySummary)
		if name == "" || allDay(ve) {
			continue
		}
		category := firstCategory(propValue(ve, ical.ComponentPropertyCategories))
		if category == "" {
			category = defaultCategory
		}
		if category == "" {
			continue
		}

		start, err := eventStart(ve, loc)
		if err != nil {
			continue
		}

		var secondaryOffset *time.Duration
		if p := ve.GetProperty(PropertySecondaryStart); p != nil {
			if sec, err := parseICalTime(p.Value, tzidParam(p), loc); err == nil {
				d := sec.Sub(start)
				secondaryOffset = &d
			}
		}

		metadata := map[string]any{}
		if v := propValue(ve, ical.ComponentPropertyDescription); v != "" {
			metadata["description"] = v
		}
		if v := propValue(ve, ical.ComponentPropertyLocation); v != "" {
			metadata["location"] = v
		}
		if len(metadata) == 0 {
			metadata = nil
		}

		occurrences, err := occurrencesOn(ve, start, dayStart, dayEnd, loc)
		if err != nil {
			continue
		}

		uid := propValue(ve, ical.ComponentPropertyUniqueId)
		for _, occ := range occurrences {
			ev := notifier.Event{
				ID:         uid + "@" + occ.UTC().Format("20060102T150405Z"),
				CategoryID: category,
				Name:       name,
				Time:       occ.In(loc),
				Metadata:   metadata,
			}
			if secondaryOffset != nil {
				sec := occ.Add(*secondaryOffset).In(loc)
				ev.SecondaryTime = &sec
			}
			out = append(out, ev)
		}
	}

	return out, nil
}

func occurrencesOn(ve *ical.VEvent, start, dayStart, dayEnd time.Time, loc *time.Location) ([]time.Time, error) {
	raw := propValue(ve, ical.ComponentPropertyRrule)
	if raw == "" {
		if sameDay(start, dayStart, loc) {
			return []time.Time{start}, nil
		}
		return nil, nil
	}

	rule, err := rrule.StrToRRule(raw)
	if err != nil {
		return nil, fmt.Errorf("parse rrule %q: %w", raw, err)
	}
	rule.DTStart(start)

	var set rrule.Set
	set.RRule(rule)
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, v := range strings.Split(p.Value, ",") {
			if ex, err := parseICalTime(v, tzidParam(p), start.Location()); err == nil {
				set.ExDate(ex)
			}
		}
	}

	return set.Between(dayStart, dayEnd.Add(-time.Nanosecond), true), nil
}

// eventStart reads DTSTART, anchoring floating times to loc.
func eventStart(ve *ical.VEvent, loc *time.Location) (time.Time, error) {
	start, err := ve.GetStartAt()
	if err != nil {
		return time.Time{}, err
	}
	p := ve.GetProperty(ical.ComponentPropertyDtStart)
	if tzidParam(p) == "" && !strings.HasSuffix(strings.TrimSpace(p.Value), "Z") {
		y, m, d := start.Date()
		return time.Date(y, m, d, start.Hour(), start.Minute(), start.Second(), 0, loc), nil
	}
	return start, nil
}

func propValue(ve *ical.VEvent, prop ical.ComponentProperty) string {
	p := ve.GetProperty(prop)
	if p == nil {
		return ""
	}
	return strings.TrimSpace(p.Value)
}

func tzidParam(p *ical.IANAProperty) string {
	if p.ICalParameters == nil {
		return ""
	}
	if v, ok := p.ICalParameters["TZID"]; ok && len(v) > 0 {
		return v[0]
	}
	return ""
}

func allDay(ve *ical.VEvent) bool {
	p := ve.GetProperty(ical.ComponentPropertyDtStart)
	if p == nil {
		return true
	}
	if p.ICalParameters != nil {
		if v, ok := p.ICalParameters["VALUE"]; ok && len(v) > 0 && strings.EqualFold(v[0], "DATE") {
			return true
		}
	}
	return !strings.Contains(p.Value, "T")
}

func firstCategory(v string) string {
	first, _, _ := strings.Cut(v, ",")
	return strings.ToLower(strings.TrimSpace(first))
}

func parseICalTime(v, tzid string, fallback *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if strings.HasSuffix(v, "Z") {
		return time.Parse("20060102T150405Z", v)
	}
	loc := fallback
	if tzid != "" {
		l, err := time.LoadLocation(tzid)
		if err != nil {
			return time.Time{}, fmt.Errorf("load location %q: %w", tzid, err)
		}
		loc = l
	}
	if t, err := time.ParseInLocation("20060102T150405", v, loc); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("20060102", v, loc); err == nil {
		return t, nil
	}
	return time.Time{}, errors.New("unrecognised date-time " + v)
}

// Package builder turns events, preferences and category configuration into
// concrete, uniquely keyed notifications.
package builder

import (
	"fmt"
	"time"

	"reminder-notifier/pkg/notifier"
)

// DedupID identifies one fallback notification: the offset is part of the key.
func DedupID(categoryID, eventName string, minutesBefore int, date time.Time) string {
	return fmt.Sprintf("%s_%s_%d_%s", categoryID, eventName, minutesBefore, notifier.DateString(date))
}

// EventKey identifies a logical event on one day regardless of offset. Inbound
// pushes use it as their dedup ID, so any push cancels every fallback entry for
// the same event and day.
func EventKey(categoryID, eventName string, date time.Time) string {
	return eventKeyFromDateString(categoryID, eventName, notifier.DateString(date))
}

func eventKeyFromDateString(categoryID, eventName, date string) string {
	return fmt.Sprintf("%s_%s_%s", categoryID, eventName, date)
}

// BaseTime returns the instant notifications for ev are anchored to.
// Events without a secondary time always use the primary time.
func BaseTime(ev *notifier.Event, ref notifier.Reference) time.Time {
	if ref == notifier.ReferenceSecondary && ev.SecondaryTime != nil {
		return *ev.SecondaryTime
	}
	return ev.Time
}

// FireTime returns the instant a notification for ev should be displayed.
func FireTime(ev *notifier.Event, prefs *notifier.Preferences) time.Time {
	return BaseTime(ev, prefs.NotificationReference).Add(-time.Duration(prefs.MinutesBefore) * time.Minute)
}

// Option configures a Builder.
type Option func(*Builder)

// WithClock overrides the time source used to reject past-dated notifications.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) {
		b.now = now
	}
}

// WithLocation sets the zone used to date pushes that carry no date. It should
// match the zone the fallback schedule is built in. Without it the clock's own
// zone is used.
func WithLocation(loc *time.Location) Option {
	return func(b *Builder) {
		b.loc = loc
	}
}

// Builder renders notifications from configured categories.
type Builder struct {
	categories map[string]notifier.Category
	now        func() time.Time
	loc        *time.Location
}

// New creates a builder over the given categories.
func New(categories []notifier.Category, opts ...Option) *Builder {
	b := &Builder{
		categories: make(map[string]notifier.Category, len(categories)),
		now:        time.Now,
	}
	for _, c := range categories {
		b.categories[c.ID] = c
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Category looks up a configured category.
func (b *Builder) Category(id string) (notifier.Category, bool) {
	c, ok := b.categories[id]
	return c, ok
}

// BuildScheduled produces one fallback record per event whose category is enabled
// in prefs and whose fire time is not already in the past.
//
// prefs.DateOverrides is not consulted here; pass the result of
// EffectivePreferences to apply per-date overrides.
func (b *Builder) BuildScheduled(events []notifier.Event, prefs *notifier.Preferences) []notifier.ScheduledNotification {
	now := b.now()
	var out []notifier.ScheduledNotification

	for i := range events {
		ev := &events[i]
		if !prefs.Categories[ev.CategoryID] {
			continue
		}
		cat, ok := b.categories[ev.CategoryID]
		if !ok {
			continue
		}

		base := BaseTime(ev, prefs.NotificationReference)
		fire := base.Add(-time.Duration(prefs.MinutesBefore) * time.Minute)
		if fire.Before(now) {
			continue
		}

		ctx := renderContext(ev.Name, prefs.MinutesBefore, notifier.FormatTime(base, false), cat.Name, ev.Metadata)

		out = append(out, notifier.ScheduledNotification{
			ID:               DedupID(ev.CategoryID, ev.Name, prefs.MinutesBefore, ev.Time),
			EventKey:         EventKey(ev.CategoryID, ev.Name, ev.Time),
			CategoryID:       ev.CategoryID,
			EventName:        ev.Name,
			NotificationTime: fire.UnixMilli(),
			EventTimeStr:     notifier.FormatTime(base, false),
			Title:            notifier.RenderTemplate(cat.TitleTemplate, ctx),
			Body:             notifier.RenderTemplate(cat.BodyTemplate, ctx),
			MinutesBefore:    prefs.MinutesBefore,
			Delivered:        false,
		})
	}

	return out
}

// BuildFromPush renders the display content for an inbound push. Explicit title
// and body win, then category templates, then a built-in phrase.
func (b *Builder) BuildFromPush(p *notifier.PushPayload) notifier.Notification {
	date := p.Date
	if date == "" {
		now := b.now()
		if b.loc != nil {
			now = now.In(b.loc)
		}
		date = notifier.DateString(now)
	}

	n := notifier.Notification{
		ID:         eventKeyFromDateString(p.CategoryID, p.EventName, date),
		Title:      p.Title,
		Body:       p.Body,
		CategoryID: p.CategoryID,
		EventName:  p.EventName,
		Date:       date,
	}

	cat, hasCategory := b.categories[p.CategoryID]
	ctx := renderContext(p.EventName, p.MinutesBefore, p.TimeStr, cat.Name, nil)

	if n.Title == "" {
		switch {
		case hasCategory && cat.TitleTemplate != "":
			n.Title = notifier.RenderTemplate(cat.TitleTemplate, ctx)
		case hasCategory:
			n.Title = cat.Name
		default:
			n.Title = p.EventName
		}
	}

	if n.Body == "" {
		switch {
		case hasCategory && cat.BodyTemplate != "":
			n.Body = notifier.RenderTemplate(cat.BodyTemplate, ctx)
		case p.MinutesBefore == 0:
			n.Body = fmt.Sprintf("It is time for %s", p.EventName)
		default:
			n.Body = fmt.Sprintf("%s in %d minutes", p.EventName, p.MinutesBefore)
		}
	}

	return n
}

// renderContext builds template context; metadata is applied last and may
// override the fixed keys.
func renderContext(name string, offset int, timeStr, category string, metadata map[string]any) map[string]any {
	ctx := map[string]any{
		"name":     name,
		"offset":   offset,
		"time":     timeStr,
		"category": category,
	}
	for k, v := range metadata {
		ctx[k] = v
	}
	return ctx
}

package config

import (
	"log/slog"
	"net/http"

	"reminder-notifier/events"
)

// EventSource assembles every configured source behind a per-date cache.
// It returns nil when no source is configured.
func (c *Config) EventSource(client *http.Client, logger *slog.Logger) events.Source {
	loc := c.Location()
	var sources []events.Source
	for _, s := range c.Events.ICS {
		sources = append(sources, events.NewICSSource(s.URL, s.DefaultCategory, loc, client, logger))
	}
	for _, s := range c.Events.HTML {
		sources = append(sources, events.NewHTMLSource(s.URL, s.Category, s.RowSelector, loc, client, logger))
	}
	if len(c.Events.Static) > 0 {
		sources = append(sources, events.NewStaticSource(c.Events.Static, loc))
	}
	if len(sources) == 0 {
		return nil
	}
	return events.NewCached(events.NewMulti(logger, sources...), c.Events.CacheDays)
}

package builder

import (
	"maps"
	"time"

	"reminder-notifier/pkg/notifier"
)

// IsEligible reports whether ev should produce a notification on date.
// A per-date override, when defined, replaces the category flag for that day only.
func IsEligible(prefs *notifier.Preferences, overrides notifier.DateOverrides, ev *notifier.Event, date time.Time) bool {
	eligible := prefs.Categories[ev.CategoryID]
	if day, ok := overrides[notifier.DateString(date)]; ok {
		if v, ok := day[ev.CategoryID]; ok {
			eligible = v
		}
	}
	return eligible
}

// EligibleEvents filters events through IsEligible.
func EligibleEvents(prefs *notifier.Preferences, overrides notifier.DateOverrides, events []notifier.Event, date time.Time) []notifier.Event {
	var out []notifier.Event
	for i := range events {
		if IsEligible(prefs, overrides, &events[i], date) {
			out = append(out, events[i])
		}
	}
	return out
}

// EffectivePreferences returns a copy of prefs whose category flags have the
// overrides for date applied. prefs is not modified.
func EffectivePreferences(prefs *notifier.Preferences, date time.Time) *notifier.Preferences {
	eff := *prefs
	eff.Categories = maps.Clone(prefs.Categories)
	if eff.Categories == nil {
		eff.Categories = make(map[string]bool)
	}
	for cat, enabled := range prefs.DateOverrides[notifier.DateString(date)] {
		eff.Categories[cat] = enabled
	}
	return &eff
}

// DefaultPreferences enables each category per its configured default.
func DefaultPreferences(categories []notifier.Category, minutesBefore int, ref notifier.Reference) notifier.Preferences {
	prefs := notifier.Preferences{
		Categories:            make(map[string]bool, len(categories)),
		MinutesBefore:         minutesBefore,
		NotificationReference: ref,
	}
	for _, c := range categories {
		prefs.Categories[c.ID] = c.DefaultEnabled
	}
	return prefs
}

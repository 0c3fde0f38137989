package notifier

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DateLayout renders dates as "Mon Jan 15 2024". Dedup IDs embed this string,
// so it must stay stable across releases.
const DateLayout = "Mon Jan 02 2006"

var clockRegex = regexp.MustCompile(`(?i)^\s*(\d{1,2}):(\d{2})\s*(AM|PM)?\s*$`)

// ParseTime parses "H:MM" or "H:MM AM/PM" onto base's calendar date and location.
// It reports false for any other shape or for out-of-range fields.
func ParseTime(s string, base time.Time) (time.Time, bool) {
	m := clockRegex.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, false
	}

	hour, err := strconv.Atoi(m[1])
	if err != nil {
		return time.Time{}, false
	}
	minute, err := strconv.Atoi(m[2])
	if err != nil || minute > 59 {
		return time.Time{}, false
	}

	switch strings.ToUpper(m[3]) {
	case "AM":
		if hour < 1 || hour > 12 {
			return time.Time{}, false
		}
		if hour == 12 {
			hour = 0
		}
	case "PM":
		if hour < 1 || hour > 12 {
			return time.Time{}, false
		}
		if hour != 12 {
			hour += 12
		}
	default:
		if hour > 23 {
			return time.Time{}, false
		}
	}

	y, mo, d := base.Date()
	return time.Date(y, mo, d, hour, minute, 0, 0, base.Location()), true
}

// FormatTime renders t as "15:04" when use24h is set, otherwise "3:04 PM".
func FormatTime(t time.Time, use24h bool) string {
	if use24h {
		return t.Format("15:04")
	}
	return t.Format("3:04 PM")
}

// DateString renders t's calendar date in DateLayout.
func DateString(t time.Time) string {
	return t.Format(DateLayout)
}

// Package notifier contains the core domain types for the reminder notification service.
package notifier

import "time"

// Reference selects which event instant a notification is anchored to.
type Reference string

const (
	ReferencePrimary   Reference = "primary"
	ReferenceSecondary Reference = "secondary"
)

// Event is a schedulable occurrence fetched from an event source.
type Event struct {
	Time          time.Time      `json:"time"`                     // Primary instant
	SecondaryTime *time.Time     `json:"secondaryTime,omitempty"`  // Alternate instant (delayed/observed variant)
	Metadata      map[string]any `json:"metadata,omitempty"`       // Extra template context
	ID            string         `json:"id"`                       // Source-specific identifier
	CategoryID    string         `json:"categoryId"`               // Category this event belongs to
	Name          string         `json:"name"`                     // Display name
}

// Category is static notification configuration.
type Category struct {
	ID             string `yaml:"id" json:"id"`
	Name           string `yaml:"name" json:"name"`
	TitleTemplate  string `yaml:"title_template" json:"titleTemplate"`
	BodyTemplate   string `yaml:"body_template" json:"bodyTemplate"`
	OffsetOptions  []int  `yaml:"offset_options" json:"offsetOptions"`
	DefaultEnabled bool   `yaml:"default_enabled" json:"defaultEnabled"`
	AllowOffset    bool   `yaml:"allow_offset" json:"allowOffset"`
}

// DateOverrides maps a date string (see DateString) to per-category enabled overrides.
type DateOverrides map[string]map[string]bool

// Preferences is per-user notification state.
type Preferences struct {
	Categories            map[string]bool `json:"categories"`
	DateOverrides         DateOverrides   `json:"dateOverrides,omitempty"`
	NotificationReference Reference       `json:"notificationReference"`
	MinutesBefore         int             `json:"minutesBefore"`
}

// ScheduledNotification is a fallback-path record persisted by the local store.
type ScheduledNotification struct {
	ID               string `json:"id"`               // Dedup key including offset
	EventKey         string `json:"eventKey"`         // Dedup key without offset (push path)
	CategoryID       string `json:"categoryId"`
	EventName        string `json:"eventName"`
	EventTimeStr     string `json:"eventTimeStr"`     // Display time of the reference instant
	Title            string `json:"title"`
	Body             string `json:"body"`
	NotificationTime int64  `json:"notificationTime"` // Fire instant, epoch milliseconds
	MinutesBefore    int    `json:"minutesBefore"`
	Delivered        bool   `json:"delivered"`        // Flips false->true only
}

// FireAt returns NotificationTime as a time.Time.
func (n *ScheduledNotification) FireAt() time.Time {
	return time.UnixMilli(n.NotificationTime)
}

// PushPayload is the body of a send request, produced by the scheduling driver
// and carried through the task queue.
type PushPayload struct {
	FCMToken      string `json:"fcmToken"`
	CategoryID    string `json:"categoryId"`
	EventName     string `json:"eventName"`
	TimeStr       string `json:"timeStr"`
	Title         string `json:"title,omitempty"`
	Body          string `json:"body,omitempty"`
	Date          string `json:"date,omitempty"` // DateString of the event day
	MinutesBefore int    `json:"minutesBefore"`
}

// Notification is display-ready content.
type Notification struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Body       string `json:"body"`
	CategoryID string `json:"categoryId"`
	EventName  string `json:"eventName"`
	Date       string `json:"date"`
}

// Subscriber is a server-side user record keyed by push token.
type Subscriber struct {
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	Preferences Preferences `json:"preferences"`
	Token       string      `json:"token"` // FCM registration token
}

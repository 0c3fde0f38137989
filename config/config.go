// Package config loads the YAML configuration shared by the server and the agent.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"reminder-notifier/events"
	"reminder-notifier/fallback"
	"reminder-notifier/pkg/notifier"
	"reminder-notifier/schedule"
)

// ScheduleConfig controls the daily scheduling pass.
type ScheduleConfig struct {
	// Cron is a five-field expression or descriptor, evaluated in Timezone.
	Cron string `yaml:"cron"`
	// InProcess runs the pass from a cron inside the server instead of
	// waiting for POST /schedulez.
	InProcess bool          `yaml:"in_process"`
	Timeout   time.Duration `yaml:"timeout"`
	// Token is the bearer an external scheduler sends to POST /schedulez.
	// When empty the endpoint accepts only task tokens signed with TASK_SECRET.
	Token string `yaml:"token"`
}

// DefaultsConfig seeds preferences for new users.
type DefaultsConfig struct {
	Reference     string `yaml:"reference"`
	MinutesBefore int    `yaml:"minutes_before"`
}

// StorageConfig locates subscriber records.
type StorageConfig struct {
	Bucket     string `yaml:"bucket"`
	LocalPath  string `yaml:"local_path"`
	Collection string `yaml:"collection"`
	TokenSalt  string `yaml:"-"`
}

// FallbackConfig locates the agent's local schedule.
type FallbackConfig struct {
	Path  string `yaml:"path"`
	Table string `yaml:"table"`
}

// QueueConfig configures the delayed task queue. An empty DatabaseURL keeps
// tasks in memory.
type QueueConfig struct {
	DatabaseURL  string        `yaml:"-"`
	TaskSecret   string        `yaml:"-"`
	SendEndpoint string        `yaml:"send_endpoint"`
	PollInterval time.Duration `yaml:"poll_interval"`
	TokenTTL     time.Duration `yaml:"token_ttl"`
	Workers      int           `yaml:"workers"`
}

// PushConfig configures Firebase Cloud Messaging.
type PushConfig struct {
	ProjectID       string  `yaml:"project_id"`
	VAPIDKey        string  `yaml:"vapid_key"`
	CredentialsJSON string  `yaml:"-"`
	RatePerSecond   float64 `yaml:"rate_per_second"`
	Mock            bool    `yaml:"mock"`
}

// BrandingConfig decorates web push notifications.
type BrandingConfig struct {
	Icon     string `yaml:"icon"`
	Badge    string `yaml:"badge"`
	ClickURL string `yaml:"click_url"`
}

// AlertsConfig configures the out-of-band alert channel.
type AlertsConfig struct {
	// Provider is "gmail", "brevo" or "mock". Empty means mock.
	Provider    string   `yaml:"provider"`
	From        string   `yaml:"from"`
	FromName    string   `yaml:"from_name"`
	BrevoAPIKey string   `yaml:"-"`
	Recipients  []string `yaml:"recipients"`
}

// ICSConfig is one calendar feed.
type ICSConfig struct {
	URL             string `yaml:"url"`
	DefaultCategory string `yaml:"default_category"`
}

// HTMLConfig is one timetable page.
type HTMLConfig struct {
	URL         string `yaml:"url"`
	Category    string `yaml:"category"`
	RowSelector string `yaml:"row_selector"`
}

// EventsConfig lists event sources.
type EventsConfig struct {
	ICS       []ICSConfig          `yaml:"ics"`
	HTML      []HTMLConfig         `yaml:"html"`
	Static    []events.StaticEntry `yaml:"static"`
	CacheDays int                  `yaml:"cache_days"`
}

// AgentConfig configures the client agent.
type AgentConfig struct {
	ServerURL     string        `yaml:"server_url"`
	TokenFile     string        `yaml:"token_file"`
	// Listen is the loopback address the browser helper posts pushes to.
	Listen        string        `yaml:"listen"`
	CheckInterval time.Duration `yaml:"check_interval"`
	PushEnabled   bool          `yaml:"push_enabled"`
}

// CORSConfig lists browser origins allowed to call the API.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// RateLimitConfig bounds API requests per client IP.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// Config is the top-level application configuration.
type Config struct {
	Listen     string              `yaml:"listen"`
	BaseURL    string              `yaml:"base_url"`
	Timezone   string              `yaml:"timezone"`
	LogLevel   string              `yaml:"log_level"`
	Schedule   ScheduleConfig      `yaml:"schedule"`
	Categories []notifier.Category `yaml:"categories"`
	Defaults   DefaultsConfig      `yaml:"defaults"`
	Storage    StorageConfig       `yaml:"storage"`
	Fallback   FallbackConfig      `yaml:"fallback"`
	Queue      QueueConfig         `yaml:"queue"`
	Push       PushConfig          `yaml:"push"`
	Branding   BrandingConfig      `yaml:"branding"`
	Alerts     AlertsConfig        `yaml:"alerts"`
	Events     EventsConfig        `yaml:"events"`
	Agent      AgentConfig         `yaml:"agent"`
	CORS       CORSConfig          `yaml:"cors"`
	RateLimit  RateLimitConfig     `yaml:"rate_limit"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	c := &Config{}
	c.Normalize()
	return c
}

// Normalize fills in zero values with defaults.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:8080"
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Schedule.Cron == "" {
		c.Schedule.Cron = "0 0 * * *"
	}
	if c.Schedule.Timeout <= 0 {
		c.Schedule.Timeout = 10 * time.Minute
	}
	if c.Defaults.Reference == "" {
		c.Defaults.Reference = string(notifier.ReferencePrimary)
	}
	if c.Storage.Collection == "" {
		c.Storage.Collection = "subscribers"
	}
	if c.Storage.Bucket == "" && c.Storage.LocalPath == "" {
		c.Storage.LocalPath = "./data"
	}
	if c.Fallback.Path == "" {
		c.Fallback.Path = "./data/fallback.db"
	}
	if c.Fallback.Table == "" {
		c.Fallback.Table = "scheduled_notifications"
	}
	if c.Queue.SendEndpoint == "" {
		c.Queue.SendEndpoint = c.BaseURL + "/api/send"
	}
	if c.Queue.PollInterval <= 0 {
		c.Queue.PollInterval = time.Second
	}
	if c.Queue.TokenTTL <= 0 {
		c.Queue.TokenTTL = 10 * time.Minute
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 1
	}
	if c.Push.RatePerSecond <= 0 {
		c.Push.RatePerSecond = 50
	}
	if c.Alerts.Provider == "" {
		c.Alerts.Provider = "mock"
	}
	if c.Events.CacheDays <= 0 {
		c.Events.CacheDays = 7
	}
	if c.Agent.ServerURL == "" {
		c.Agent.ServerURL = c.BaseURL
	}
	if c.Agent.Listen == "" {
		c.Agent.Listen = "127.0.0.1:8765"
	}
	if c.Agent.TokenFile == "" {
		c.Agent.TokenFile = "./data/push_token"
	}
	if c.Agent.CheckInterval <= 0 {
		c.Agent.CheckInterval = time.Minute
	}
	if c.RateLimit.RequestsPerSecond <= 0 {
		c.RateLimit.RequestsPerSecond = 5
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 20
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	if err := schedule.ValidateSpec(c.Schedule.Cron); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}

	errs = append(errs, validateCategories(c.Categories)...)

	switch notifier.Reference(c.Defaults.Reference) {
	case notifier.ReferencePrimary, notifier.ReferenceSecondary:
	default:
		errs = append(errs, fmt.Errorf("defaults.reference must be primary or secondary, got %q", c.Defaults.Reference))
	}
	if c.Defaults.MinutesBefore < 0 {
		errs = append(errs, errors.New("defaults.minutes_before must not be negative"))
	}

	if !fallback.ValidTableName(c.Fallback.Table) {
		errs = append(errs, fmt.Errorf("fallback.table %q is not a valid table name", c.Fallback.Table))
	}
	if c.Queue.TaskSecret != "" && len(c.Queue.TaskSecret) < 16 {
		errs = append(errs, errors.New("TASK_SECRET must be at least 16 bytes"))
	}

	switch c.Alerts.Provider {
	case "mock", "gmail":
	case "brevo":
		if c.Alerts.BrevoAPIKey == "" {
			errs = append(errs, errors.New("alerts.provider brevo requires BREVO_API_KEY"))
		}
		if c.Alerts.From == "" {
			errs = append(errs, errors.New("alerts.provider brevo requires alerts.from"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown alerts.provider %q", c.Alerts.Provider))
	}

	for i, src := range c.Events.ICS {
		if src.URL == "" {
			errs = append(errs, fmt.Errorf("events.ics[%d]: url is required", i))
		}
	}
	for i, src := range c.Events.HTML {
		if src.URL == "" || src.Category == "" {
			errs = append(errs, fmt.Errorf("events.html[%d]: url and category are required", i))
		}
	}
	for _, e := range c.Events.Static {
		if err := e.Validate(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func validateCategories(cats []notifier.Category) []error {
	if len(cats) == 0 {
		return []error{errors.New("at least one category is required")}
	}
	var errs []error
	seen := make(map[string]bool, len(cats))
	for i, cat := range cats {
		switch {
		case cat.ID == "":
			errs = append(errs, fmt.Errorf("categories[%d]: id is required", i))
			continue
		case seen[cat.ID]:
			errs = append(errs, fmt.Errorf("categories[%d]: duplicate id %q", i, cat.ID))
		}
		seen[cat.ID] = true
		if cat.Name == "" {
			errs = append(errs, fmt.Errorf("category %q: name is required", cat.ID))
		}
		for _, o := range cat.OffsetOptions {
			if o < 0 {
				errs = append(errs, fmt.Errorf("category %q: negative offset option %d", cat.ID, o))
			}
		}
	}
	return errs
}

// Location returns the configured timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SlogLevel maps LogLevel to a slog level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}

// DefaultPreferences returns the preferences a new user starts with.
func (c *Config) DefaultPreferences() notifier.Preferences {
	prefs := notifier.Preferences{
		Categories:            make(map[string]bool, len(c.Categories)),
		MinutesBefore:         c.Defaults.MinutesBefore,
		NotificationReference: notifier.Reference(c.Defaults.Reference),
	}
	for _, cat := range c.Categories {
		prefs.Categories[cat.ID] = cat.DefaultEnabled
	}
	return prefs
}

// Load reads .env (if present), the YAML file at path, and environment
// overrides, then normalizes and validates the result. An empty path or a
// missing file yields the defaults, which fail validation for lack of
// categories.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv(os.Getenv)
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.Push.CredentialsJSON, "GOOGLE_CREDENTIALS_JSON")
	set(&c.Storage.Bucket, "STORAGE_BUCKET")
	set(&c.Storage.LocalPath, "LOCAL_STORAGE")
	set(&c.Storage.TokenSalt, "TOKEN_SALT")
	set(&c.Queue.TaskSecret, "TASK_SECRET")
	set(&c.Schedule.Token, "SCHEDULE_TOKEN")
	set(&c.Queue.DatabaseURL, "DATABASE_URL")
	set(&c.Alerts.BrevoAPIKey, "BREVO_API_KEY")
	set(&c.BaseURL, "BASE_URL")
	if port := strings.TrimSpace(getenv("PORT")); port != "" {
		c.Listen = ":" + port
	}
}

package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"reminder-notifier/config"
	"reminder-notifier/push"
	"reminder-notifier/taskqueue"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewLogger(t *testing.T) {
	if l := newLogger(nil); !l.Enabled(context.Background(), slog.LevelInfo) || l.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("nil config should log at info")
	}
	cfg := config.DefaultConfig()
	cfg.LogLevel = "debug"
	if l := newLogger(cfg); !l.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug level not applied")
	}
}

func TestNewPushProviderMock(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{name: "no project", mutate: func(*config.Config) {}},
		{name: "forced mock", mutate: func(c *config.Config) { c.Push.ProjectID = "proj"; c.Push.Mock = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.mutate(cfg)
			p, err := newPushProvider(context.Background(), cfg, discardLogger())
			if err != nil {
				t.Fatalf("newPushProvider() error = %v", err)
			}
			if _, ok := p.(*push.MockProvider); !ok {
				t.Errorf("provider = %T, want *push.MockProvider", p)
			}
		})
	}
}

func TestNewQueueBackendInMemory(t *testing.T) {
	b, err := newQueueBackend(config.DefaultConfig(), discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := b.(*taskqueue.MemoryBackend); !ok {
		t.Errorf("backend = %T, want *taskqueue.MemoryBackend", b)
	}
}

func TestNewSubscriberStoreLocal(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.LocalPath = filepath.Join(t.TempDir(), "subs")

	store, closeFn, err := newSubscriberStore(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("newSubscriberStore() error = %v", err)
	}
	defer closeFn()

	subs, err := store.List(context.Background())
	if err != nil || len(subs) != 0 {
		t.Errorf("List() on fresh store = %v, %v", subs, err)
	}
}

func TestNewAlerterFallsBackToMock(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Alerts.Recipients = []string{"ops@example.com"}
	a := newAlerter(context.Background(), cfg, discardLogger())
	if err := a.SendAlert(context.Background(), "Test", "hello"); err != nil {
		t.Errorf("SendAlert() through mock = %v", err)
	}
}

func TestRandomSecret(t *testing.T) {
	a, b := randomSecret(), randomSecret()
	if len(a) != 64 || a == b {
		t.Errorf("randomSecret() = %q, %q", a, b)
	}
}

func TestEnvOr(t *testing.T) {
	t.Setenv("REMINDER_TEST_VALUE", "set")
	if got := envOr("REMINDER_TEST_VALUE", "default"); got != "set" {
		t.Errorf("envOr() = %q", got)
	}
	if got := envOr("REMINDER_TEST_UNSET", "default"); got != "default" {
		t.Errorf("envOr() = %q", got)
	}
}

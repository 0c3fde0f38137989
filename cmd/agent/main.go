// Command agent runs the client side of dual-path delivery on a user's machine.
// It keeps the local fallback schedule, listens on loopback for pushes the
// browser helper forwards, and syncs preferences to the server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"reminder-notifier/agent"
	"reminder-notifier/builder"
	"reminder-notifier/config"
	"reminder-notifier/events"
	"reminder-notifier/fallback"
	"reminder-notifier/push"
)

func main() {
	configPath := flag.String("config", envOr("CONFIG_PATH", "config.yaml"), "path to the YAML configuration")
	pushFlag := flag.String("push", "", `set the delivery mode at startup: "on" or "off"`)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Invalid configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if lvl, err := cfg.SlogLevel(); err == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
		slog.SetDefault(logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *pushFlag, logger); err != nil {
		logger.Error("Agent failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, pushMode string, logger *slog.Logger) error {
	loc := cfg.Location()

	if err := os.MkdirAll(filepath.Dir(cfg.Fallback.Path), 0o755); err != nil {
		return fmt.Errorf("create fallback directory: %w", err)
	}
	db, err := fallback.Open(cfg.Fallback.Path, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warn("Failed to close fallback database", "error", err)
		}
	}()
	store, err := db.Store(ctx, cfg.Fallback.Table)
	if err != nil {
		return err
	}

	source := cfg.EventSource(&http.Client{Timeout: 30 * time.Second}, logger)
	if source == nil {
		logger.Warn("No event sources configured, the fallback schedule will stay empty")
		source = events.NewStaticSource(nil, loc)
	}

	a := agent.New(agent.Config{
		Location:      loc,
		VAPIDKey:      cfg.Push.VAPIDKey,
		CheckInterval: cfg.Agent.CheckInterval,
		PushEnabled:   cfg.Agent.PushEnabled,
	},
		store,
		builder.New(cfg.Categories, builder.WithLocation(loc)),
		source,
		agent.LogDisplayer{Logger: logger},
		push.FileTokenSource{Path: cfg.Agent.TokenFile},
		agent.NewServerClient(cfg.Agent.ServerURL, logger),
		cfg.DefaultPreferences(),
		logger,
	)
	defer a.Close()

	switch pushMode {
	case "":
	case "on", "off":
		_, status := a.TogglePush(ctx, pushMode == "on")
		logger.Info(status)
	default:
		return fmt.Errorf("unknown -push mode %q", pushMode)
	}

	inbox := &http.Server{
		Addr:              cfg.Agent.Listen,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Run(gctx) })
	g.Go(func() error {
		logger.Info("Listening for pushes", "addr", cfg.Agent.Listen)
		if err := inbox.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("inbox: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return inbox.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Package main runs the reminder notification server: the HTTP API, the daily
// scheduling pass and the delayed task workers that deliver web pushes.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"reminder-notifier/auth"
	"reminder-notifier/builder"
	"reminder-notifier/config"
	"reminder-notifier/email"
	"reminder-notifier/events"
	"reminder-notifier/push"
	"reminder-notifier/schedule"
	"reminder-notifier/server"
	substore "reminder-notifier/storage"
	"reminder-notifier/taskqueue"
)

// sendAudience scopes task tokens to the send endpoint.
const sendAudience = "reminder-notifier/send"

func main() {
	configPath := flag.String("config", envOr("CONFIG_PATH", "config.yaml"), "path to the YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if err != nil {
		logger.Error("Invalid configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	loc := cfg.Location()
	httpClient := &http.Client{Timeout: 30 * time.Second}

	subscribers, closeStore, err := newSubscriberStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	pusher, err := newPushProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}

	source := cfg.EventSource(httpClient, logger)
	if source == nil {
		logger.Warn("No event sources configured, scheduling passes will find no events")
		source = events.NewStaticSource(nil, loc)
	}

	b := builder.New(cfg.Categories, builder.WithLocation(loc))

	backend, err := newQueueBackend(cfg, logger)
	if err != nil {
		return err
	}
	queue := taskqueue.New(backend, logger)

	secret := cfg.Queue.TaskSecret
	if secret == "" {
		secret = randomSecret()
		logger.Warn("No TASK_SECRET set, using an ephemeral secret; queued tasks will not survive a restart")
	}
	jwt, err := auth.NewJWT(secret, sendAudience, cfg.Queue.TokenTTL)
	if err != nil {
		return fmt.Errorf("task signer: %w", err)
	}

	alerter := newAlerter(ctx, cfg, logger)

	driver := schedule.New(subscribers, source, b, queue, alerter, cfg.Queue.SendEndpoint, logger)

	var workers sync.WaitGroup
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer func() {
		cancelWorkers()
		workers.Wait()
	}()
	for i := range cfg.Queue.Workers {
		w := taskqueue.NewWorker("worker-"+strconv.Itoa(i), backend, jwt, httpClient, cfg.Queue.PollInterval, logger)
		workers.Go(func() { w.Run(workerCtx) })
	}

	if cfg.Schedule.InProcess {
		c, err := schedule.NewCron(cfg.Schedule.Cron, loc, cfg.Schedule.Timeout, driver, logger)
		if err != nil {
			return err
		}
		c.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			c.Stop(stopCtx)
		}()
	}

	srv := server.New(&server.Config{
		Store:          subscribers,
		Push:           pusher,
		Builder:        b,
		Scheduler:      driver,
		JWT:            jwt,
		Logger:         logger,
		IsNotFound:     substore.IsNotFound,
		Location:       loc,
		Categories:     cfg.Categories,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Defaults:       cfg.DefaultPreferences(),
		RatePerSecond:  cfg.RateLimit.RequestsPerSecond,
		Burst:          cfg.RateLimit.Burst,
		ScheduleToken:  cfg.Schedule.Token,
	})

	return srv.ListenAndServe(ctx, cfg.Listen)
}

// newLogger builds the JSON logger. cfg may be nil when loading failed.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg != nil {
		if l, err := cfg.SlogLevel(); err == nil {
			level = l
		}
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func newSubscriberStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*substore.Store, func(), error) {
	salt := []byte(cfg.Storage.TokenSalt)
	if cfg.Storage.Bucket == "" {
		if err := os.MkdirAll(cfg.Storage.LocalPath, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create local storage directory: %w", err)
		}
		logger.Info("Running in local development mode", "storage_path", cfg.Storage.LocalPath)
		return substore.New(nil, "", cfg.Storage.LocalPath, cfg.Storage.Collection, salt, logger), func() {}, nil
	}

	var opts []option.ClientOption
	if cfg.Push.CredentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.Push.CredentialsJSON)))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("storage client: %w", err)
	}
	closeFn := func() {
		if err := client.Close(); err != nil {
			logger.Warn("Failed to close storage client", "error", err)
		}
	}
	return substore.New(client, cfg.Storage.Bucket, "", cfg.Storage.Collection, salt, logger), closeFn, nil
}

func newPushProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (push.Provider, error) {
	if cfg.Push.Mock || cfg.Push.ProjectID == "" {
		logger.Info("Mock push mode enabled", "project_id_set", cfg.Push.ProjectID != "")
		return push.NewMockProvider(logger), nil
	}

	var opts []option.ClientOption
	switch {
	case cfg.Push.CredentialsJSON != "":
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.Push.CredentialsJSON)))
	case !isCloudRun(ctx):
		return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
	}

	branding := push.Branding{
		Icon:     cfg.Branding.Icon,
		Badge:    cfg.Branding.Badge,
		ClickURL: cfg.Branding.ClickURL,
	}
	p, err := push.NewFCMProvider(ctx, cfg.Push.ProjectID, branding, cfg.Push.RatePerSecond, logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("push provider: %w", err)
	}
	return p, nil
}

func newQueueBackend(cfg *config.Config, logger *slog.Logger) (taskqueue.Backend, error) {
	if cfg.Queue.DatabaseURL == "" {
		logger.Warn("No DATABASE_URL set, queued tasks are kept in memory")
		return taskqueue.NewMemoryBackend(), nil
	}
	b, err := taskqueue.Connect(cfg.Queue.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("task queue: %w", err)
	}
	return b, nil
}

func newAlerter(ctx context.Context, cfg *config.Config, logger *slog.Logger) *email.Alerter {
	var provider email.Provider
	switch cfg.Alerts.Provider {
	case "gmail":
		svc, err := initGmailService(ctx, cfg.Push.CredentialsJSON)
		if err != nil {
			logger.Warn("Failed to initialize Gmail service, using mock email", "error", err)
			provider = email.NewMockProvider(logger)
			break
		}
		provider = email.NewGmailProvider(svc, cfg.Alerts.From, cfg.Alerts.FromName, logger)
	case "brevo":
		provider = email.NewBrevoProvider(cfg.Alerts.BrevoAPIKey, "", cfg.Alerts.From, cfg.Alerts.FromName, logger)
	default:
		provider = email.NewMockProvider(logger)
	}
	return email.New(provider, logger, "reminder-notifier", cfg.BaseURL, cfg.Alerts.Recipients)
}

func initGmailService(ctx context.Context, credsJSON string) (*gmail.Service, error) {
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}
	// Application Default Credentials need the gmail.send scope on the service account.
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}
	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", http.NoBody)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}

func randomSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"reminder-notifier/auth"
	"reminder-notifier/builder"
	"reminder-notifier/pkg/notifier"
	"reminder-notifier/push"
	"reminder-notifier/schedule"
)

const maxBodyBytes = 64 << 10

// Store interface for subscriber management.
type Store interface {
	LoadByToken(ctx context.Context, token string) (*notifier.Subscriber, error)
	Save(ctx context.Context, sub *notifier.Subscriber) error
	Delete(ctx context.Context, token string) error
}

// Scheduler runs the daily scheduling pass.
type Scheduler interface {
	RunDaily(ctx context.Context, date time.Time) (*schedule.Report, error)
}

// IsNotFound checks if an error is a not found error.
type IsNotFound func(error) bool

// Server handles HTTP requests.
type Server struct {
	store      Store
	push       push.Provider
	builder    *builder.Builder
	scheduler  Scheduler
	jwt        *auth.JWT
	logger     *slog.Logger
	isNotFound IsNotFound
	limiter    *ipLimiter
	loc        *time.Location
	categories []notifier.Category
	origins    []string
	defaults   notifier.Preferences
	schedToken string
}

// Config holds server configuration.
type Config struct {
	Store          Store
	Push           push.Provider
	Builder        *builder.Builder
	Scheduler      Scheduler
	JWT            *auth.JWT
	Logger         *slog.Logger
	IsNotFound     IsNotFound
	Location       *time.Location
	Categories     []notifier.Category
	AllowedOrigins []string
	Defaults       notifier.Preferences
	RatePerSecond  float64
	Burst          int
	// ScheduleToken guards POST /schedulez. Empty means a JWT bearer is required.
	ScheduleToken string
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Server{
		store:      cfg.Store,
		push:       cfg.Push,
		builder:    cfg.Builder,
		scheduler:  cfg.Scheduler,
		jwt:        cfg.JWT,
		logger:     cfg.Logger,
		isNotFound: cfg.IsNotFound,
		limiter:    newIPLimiter(cfg.RatePerSecond, cfg.Burst),
		loc:        loc,
		categories: cfg.Categories,
		origins:    cfg.AllowedOrigins,
		defaults:   cfg.Defaults,
		schedToken: cfg.ScheduleToken,
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	if len(s.origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.origins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-Id"},
			ExposedHeaders: []string{"X-Request-Id"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.handleHealth)
	scheduleAuth := auth.RequireBearer(s.jwt)
	if s.schedToken != "" {
		scheduleAuth = auth.RequireToken(s.schedToken)
	}
	r.With(scheduleAuth).Post("/schedulez", s.handleSchedule)

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.rateLimit)
			r.Get("/categories", s.handleCategories)
			r.Post("/preferences", s.handlePreferences)
			r.Post("/category", s.handleCategory)
			r.Post("/test", s.handleTest)
		})
		r.With(auth.RequireBearer(s.jwt)).Post("/send", s.handleSend)
	})

	return r
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Minute, // /schedulez runs the full pass
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "addr", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

type response struct {
	Report     *schedule.Report    `json:"report,omitempty"`
	Error      string              `json:"error,omitempty"`
	Categories []notifier.Category `json:"categories,omitempty"`
	Success    bool                `json:"success"`
	Skipped    bool                `json:"skipped,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, resp response) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) fail(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, response{Error: msg})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.fail(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}

func (s *Server) handleCategories(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, response{Success: true, Categories: s.categories})
}

// handleSchedule runs the daily pass for ?date=YYYY-MM-DD, or today.
func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	date := time.Now().In(s.loc)
	if q := r.URL.Query().Get("date"); q != "" {
		d, err := time.ParseInLocation(time.DateOnly, q, s.loc)
		if err != nil {
			s.fail(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		date = d
	}

	s.logger.Info("Schedule endpoint triggered", "date", notifier.DateString(date))

	report, err := s.scheduler.RunDaily(r.Context(), date)
	if err != nil {
		s.logger.Error("Scheduling pass failed", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, response{Error: "scheduling pass failed", Report: report})
		return
	}
	s.writeJSON(w, http.StatusOK, response{Success: true, Report: report})
}

// Package fallback persists the locally checked notification schedule in SQLite.
package fallback

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"reminder-notifier/pkg/notifier"

	_ "modernc.org/sqlite"
)

const (
	// PendingWindow is how far behind now a notification may still fire.
	PendingWindow = 30 * time.Minute
	// Retention bounds how long records are kept regardless of state.
	Retention = 24 * time.Hour
)

//go:embed schema.sql
var schemaTemplate string

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// ValidTableName reports whether name can be used as a store table.
func ValidTableName(name string) bool {
	return tableNamePattern.MatchString(name)
}

// Option configures a DB.
type Option func(*DB)

// WithClock overrides the time source used for pending and retention windows.
func WithClock(now func() time.Time) Option {
	return func(d *DB) {
		d.now = now
	}
}

// DB owns the SQLite handle and caches one Store per table name.
type DB struct {
	db       *sql.DB
	logger   *slog.Logger
	now      func() time.Time
	stores   map[string]*Store
	failures atomic.Uint64
	mu       sync.Mutex
}

// Open opens (creating if necessary) the SQLite database at path.
func Open(path string, logger *slog.Logger, opts ...Option) (*DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("fallback database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serialises every mutation.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logger.Warn("Failed to apply pragma", "pragma", pragma, "error", err)
		}
	}

	d := &DB{
		db:     db,
		logger: logger,
		now:    time.Now,
		stores: make(map[string]*Store),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Store returns the store for table, creating the table on first use.
func (d *DB) Store(ctx context.Context, table string) (*Store, error) {
	if !ValidTableName(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if s, ok := d.stores[table]; ok {
		return s, nil
	}

	schema := notifier.RenderTemplate(schemaTemplate, map[string]any{"table": table})
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("create table %s: %w", table, err)
	}

	s := &Store{db: d, table: table}
	d.stores[table] = s
	d.logger.Info("Fallback store ready", "table", table)
	return s, nil
}

// Failures returns how many storage errors have been caught since Open.
func (d *DB) Failures() uint64 {
	return d.failures.Load()
}

// Close closes the database handle.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stores = make(map[string]*Store)
	return d.db.Close()
}

func (d *DB) recordFailure(op, table string, err error) {
	n := d.failures.Add(1)
	d.logger.Warn("Fallback store operation failed",
		slog.Group("diag",
			"component", "fallback",
			"op", op,
			"table", table,
			"failures", n,
			"error", err.Error(),
		),
	)
}

// Package storage handles persistence of push subscribers.
package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"

	"reminder-notifier/pkg/notifier"
	"reminder-notifier/push"
)

// ErrNotFound is returned when no subscriber is stored under a key.
var ErrNotFound = errors.New("storage: object doesn't exist")

// Store handles subscriber persistence in Cloud Storage or a local directory.
type Store struct {
	client     *storage.Client
	logger     *slog.Logger
	localPath  string
	bucket     string
	collection string
	salt       []byte
}

// New creates a new storage handler. When localPath is set the bucket is ignored.
func New(client *storage.Client, bucket, localPath, collection string, salt []byte, logger *slog.Logger) *Store {
	if collection == "" {
		collection = "subscribers"
	}
	return &Store{
		client:     client,
		logger:     logger,
		localPath:  localPath,
		bucket:     bucket,
		collection: collection,
		salt:       salt,
	}
}

// Key derives the object name for a push token.
// Tokens are long-lived secrets, so only their HMAC ever reaches storage.
func (s *Store) Key(token string) string {
	h := hmac.New(sha256.New, s.salt)
	h.Write([]byte(strings.TrimSpace(token)))
	return fmt.Sprintf("%s-%s.json", s.collection, hex.EncodeToString(h.Sum(nil)))
}

func (s *Store) validKey(key string) bool {
	prefix := s.collection + "-"
	if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, ".json") {
		return false
	}
	digest := strings.TrimSuffix(strings.TrimPrefix(key, prefix), ".json")
	if len(digest) != 64 {
		return false
	}
	valid := 1
	for _, c := range digest {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			valid = 0
		}
	}
	return valid == 1
}

func (s *Store) withRetry(ctx context.Context, op, key string, fn func() error) error {
	return retry.Do(
		fn,
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying "+op+" operation after error", "attempt", n, "key", key, "error", err)
		}),
	)
}

// Save stores sub, setting CreatedAt on first save and UpdatedAt always.
func (s *Store) Save(ctx context.Context, sub *notifier.Subscriber) error {
	if strings.TrimSpace(sub.Token) == "" {
		return errors.New("subscriber token is required")
	}
	key := s.Key(sub.Token)

	now := time.Now()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now

	data, err := json.MarshalIndent(sub, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal subscriber: %w", err)
	}

	if s.localPath != "" {
		if err := os.MkdirAll(s.localPath, 0o700); err != nil {
			return fmt.Errorf("create local storage directory: %w", err)
		}
		filePath := filepath.Join(s.localPath, key)
		if err := os.WriteFile(filePath, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		s.logger.Info("Subscriber saved to local storage", "path", filePath, "token", push.RedactToken(sub.Token))
		return nil
	}

	err = s.withRetry(ctx, "save", key, func() error {
		w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
		w.ContentType = "application/json"
		if _, writeErr := w.Write(data); writeErr != nil {
			if closeErr := w.Close(); closeErr != nil {
				s.logger.Warn("Failed to close writer after error", "error", closeErr)
			}
			return fmt.Errorf("write to storage: %w", writeErr)
		}
		if closeErr := w.Close(); closeErr != nil {
			return fmt.Errorf("close storage writer: %w", closeErr)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	s.logger.Info("Subscriber saved", "key", key, "token", push.RedactToken(sub.Token))
	return nil
}

// LoadByToken loads the subscriber registered with token.
func (s *Store) LoadByToken(ctx context.Context, token string) (*notifier.Subscriber, error) {
	return s.Load(ctx, s.Key(token))
}

// Load loads a subscriber by object key.
func (s *Store) Load(ctx context.Context, key string) (*notifier.Subscriber, error) {
	if !s.validKey(key) {
		return nil, ErrNotFound
	}

	var data []byte
	if s.localPath != "" {
		var err error
		data, err = os.ReadFile(filepath.Join(s.localPath, key))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
	} else {
		err := s.withRetry(ctx, "load", key, func() error {
			r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
			if openErr != nil {
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					return retry.Unrecoverable(ErrNotFound)
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					s.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			return nil
		})
		if err != nil {
			if IsNotFound(err) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("load after retries: %w", err)
		}
	}

	var sub notifier.Subscriber
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("unmarshal subscriber: %w", err)
	}
	return &sub, nil
}

// Delete removes the subscriber registered with token. Deleting a missing
// subscriber is not an error.
func (s *Store) Delete(ctx context.Context, token string) error {
	key := s.Key(token)
	s.logger.Debug("Deleting subscriber", "key", key)

	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, key)
		if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete from local storage: %w", err)
		}
		s.logger.Info("Subscriber deleted from local storage", "path", filePath, "token", push.RedactToken(token))
		return nil
	}

	err := s.withRetry(ctx, "delete", key, func() error {
		if deleteErr := s.client.Bucket(s.bucket).Object(key).Delete(ctx); deleteErr != nil {
			if errors.Is(deleteErr, storage.ErrObjectNotExist) {
				return nil
			}
			return fmt.Errorf("delete from storage: %w", deleteErr)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete after retries: %w", err)
	}

	s.logger.Info("Subscriber deleted", "key", key, "token", push.RedactToken(token))
	return nil
}

// List loads every subscriber in the collection. Unreadable records are skipped.
func (s *Store) List(ctx context.Context) ([]*notifier.Subscriber, error) {
	var subs []*notifier.Subscriber
	prefix := s.collection + "-"

	if s.localPath != "" {
		entries, err := os.ReadDir(s.localPath)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}

		for _, entry := range entries {
			if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
				continue
			}
			sub, err := s.Load(ctx, entry.Name())
			if err != nil {
				s.logger.Warn("Failed to load subscriber", "file", entry.Name(), "error", err)
				continue
			}
			subs = append(subs, sub)
		}
		return subs, nil
	}

	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}

		sub, err := s.Load(ctx, attrs.Name)
		if err != nil {
			s.logger.Warn("Failed to load subscriber", "key", attrs.Name, "error", err)
			continue
		}
		subs = append(subs, sub)
	}

	return subs, nil
}

// IsNotFound checks if an error indicates a subscriber was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || (err != nil && strings.Contains(err.Error(), ErrNotFound.Error()))
}

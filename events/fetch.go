package events

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

type cacheEntry struct {
	etag         string
	lastModified string
	body         []byte
}

// fetcher downloads remote feeds, reusing the previous body on 304 Not Modified.
type fetcher struct {
	client *http.Client
	logger *slog.Logger
	cache  map[string]*cacheEntry
	mu     sync.Mutex
}

func newFetcher(client *http.Client, logger *slog.Logger) *fetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &fetcher{
		client: client,
		logger: logger,
		cache:  make(map[string]*cacheEntry),
	}
}

func (f *fetcher) fetch(ctx context.Context, url, accept string) ([]byte, error) {
	f.mu.Lock()
	cached := f.cache[url]
	f.mu.Unlock()

	var body []byte
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Accept", accept)
			req.Header.Set("User-Agent", "reminder-notifier/1.0")
			if cached != nil {
				if cached.etag != "" {
					req.Header.Set("If-None-Match", cached.etag)
				}
				if cached.lastModified != "" {
					req.Header.Set("If-Modified-Since", cached.lastModified)
				}
			}

			startTime := time.Now()
			resp, err := f.client.Do(req)
			duration := time.Since(startTime)
			if err != nil {
				f.logger.Warn("HTTP request failed, will retry", "url", url, "duration_ms", duration.Milliseconds(), "error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					f.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			f.logger.Info("HTTP request completed",
				"url", url,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds())

			switch {
			case resp.StatusCode == http.StatusNotModified && cached != nil:
				body = cached.body
				return nil
			case resp.StatusCode >= 400 && resp.StatusCode < 500:
				return retry.Unrecoverable(fmt.Errorf("HTTP %d", resp.StatusCode))
			case resp.StatusCode != http.StatusOK:
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}

			data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
			if err != nil {
				return fmt.Errorf("read body: %w", err)
			}
			body = data

			entry := &cacheEntry{
				etag:         resp.Header.Get("ETag"),
				lastModified: resp.Header.Get("Last-Modified"),
				body:         data,
			}
			if entry.etag != "" || entry.lastModified != "" {
				f.mu.Lock()
				f.cache[url] = entry
				f.mu.Unlock()
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			f.logger.Info("Retrying fetch after error", "attempt", n, "url", url, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	return body, nil
}

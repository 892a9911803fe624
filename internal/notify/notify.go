// Package notify signals the serving layer after a batch with at least
// one successful table so it can evict stale query-result caches.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"trafficlake/internal/domain"
)

// requestTimeout bounds the invalidation call; freshness is best-effort
// and must never hold the batch open.
const requestTimeout = 10 * time.Second

// CacheInvalidator POSTs the serving layer's clear-cache endpoint with
// the shared internal token. Delivery failure is reported as
// NotificationError and only ever logged by the caller.
type CacheInvalidator struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// New creates a CacheInvalidator. An empty baseURL or token disables it:
// InvalidateCache becomes a logged no-op.
func New(baseURL, token string, logger *slog.Logger) *CacheInvalidator {
	return &CacheInvalidator{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: requestTimeout},
		logger:  logger,
	}
}

var _ domain.Notifier = (*CacheInvalidator)(nil)

// InvalidateCache sends the eviction request.
func (n *CacheInvalidator) InvalidateCache(ctx context.Context) error {
	if n.baseURL == "" || n.token == "" {
		n.logger.Warn("cache invalidation not configured, skipping; dashboards may serve stale data")
		return nil
	}

	url := n.baseURL + "/api/v1/admin/clear-cache"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return &domain.NotificationError{URL: url, Err: err}
	}
	req.Header.Set("X-Internal-Token", n.token)

	resp, err := n.client.Do(req)
	if err != nil {
		return &domain.NotificationError{URL: url, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &domain.NotificationError{URL: url, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	n.logger.Info("serving-layer cache invalidated", "url", url)
	return nil
}

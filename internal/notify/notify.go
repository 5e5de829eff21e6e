// Package notify delivers job lifecycle events from the Executor to the
// Requester's webhook. Delivery is best effort: a failed POST is logged and
// never retried, since the Requester can always recover state by polling.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/phrazzld/discover-tasks/internal/domain"
	"github.com/phrazzld/discover-tasks/internal/redact"
)

// DefaultTimeout bounds a single webhook POST.
const DefaultTimeout = 10 * time.Second

// ErrRejected is returned when the webhook answers with a non-2xx status or
// with {"success": false}.
var ErrRejected = errors.New("notification rejected")

// Config holds configuration for the Notifier
type Config struct {
	Timeout    time.Duration
	HTTPClient *http.Client
	UserAgent  string
}

// Notifier POSTs Notification events as JSON.
type Notifier struct {
	client    *http.Client
	timeout   time.Duration
	userAgent string
	logger    *slog.Logger
}

// New creates a Notifier.
func New(cfg Config, logger *slog.Logger) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "discover-executor"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		client:    cfg.HTTPClient,
		timeout:   cfg.Timeout,
		userAgent: cfg.UserAgent,
		logger:    logger.With("component", "notifier"),
	}
}

// Notify sends n to notifyURL. An empty URL is a no-op. Errors are logged
// with the URL redacted and also returned so callers may count them; the
// job lifecycle ignores them.
func (n *Notifier) Notify(ctx context.Context, notifyURL string, ev domain.Notification) error {
	if notifyURL == "" {
		return nil
	}
	logger := n.logger.With(
		"event", ev.Event,
		"tracking_id", ev.TrackingID,
		"notify_url", redact.URL(notifyURL))

	start := time.Now()
	err := n.post(ctx, notifyURL, ev)
	if err != nil {
		logger.Warn("notification not delivered",
			"error", redact.Error(err),
			"duration_ms", time.Since(start).Milliseconds())
		return err
	}
	logger.Debug("notification delivered", "duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (n *Notifier) post(ctx context.Context, notifyURL string, ev domain.Notification) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, notifyURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", n.userAgent)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}

	var ack domain.NotificationAck
	if err := json.Unmarshal(respBody, &ack); err == nil && !ack.Success {
		return fmt.Errorf("%w: receiver reported failure", ErrRejected)
	}
	return nil
}

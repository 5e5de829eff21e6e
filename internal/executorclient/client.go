// Package executorclient is the Requester's HTTP client for the Executor API.
package executorclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/phrazzld/discover-tasks/internal/domain"
	"github.com/phrazzld/discover-tasks/internal/redact"
)

// DefaultTimeout bounds every call except Download.
const DefaultTimeout = 30 * time.Second

// maxErrorBody bounds how much of an error response is kept in messages.
const maxErrorBody = 512

// Errors returned by Client
var (
	// ErrTransport means the Executor could not be reached or the call timed out.
	ErrTransport = errors.New("executor unreachable")
	// ErrBadResponse means the Executor answered with a non-2xx status or an unreadable body.
	ErrBadResponse = errors.New("bad executor response")
)

// Config holds configuration for the Client
type Config struct {
	BaseURL string
	// Timeout applies to API calls; downloads use FetchTimeout.
	Timeout      time.Duration
	FetchTimeout time.Duration
	HTTPClient   *http.Client
}

// Client calls the Executor's per-kind endpoints.
type Client struct {
	baseURL      string
	timeout      time.Duration
	fetchTimeout time.Duration
	http         *http.Client
	logger       *slog.Logger
}

// New creates a Client.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Minute
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		timeout:      cfg.Timeout,
		fetchTimeout: cfg.FetchTimeout,
		http:         cfg.HTTPClient,
		logger:       logger.With("component", "executor_client"),
	}
}

// Start asks the Executor to enqueue a job of kind. A response without a
// tracking id is ErrBadResponse.
func (c *Client) Start(ctx context.Context, kind string, req domain.StartRequest) (*domain.StartResponse, error) {
	var resp domain.StartResponse
	if err := c.call(ctx, http.MethodPost, c.endpoint(kind, "start"), req, &resp); err != nil {
		return nil, err
	}
	if resp.TrackingID == "" {
		return nil, fmt.Errorf("%w: missing tracking_id", ErrBadResponse)
	}
	return &resp, nil
}

// Cancel requests a cooperative abort of trackingID.
func (c *Client) Cancel(ctx context.Context, kind, trackingID string) error {
	var resp domain.CancelResponse
	return c.call(ctx, http.MethodPost, c.endpoint(kind, trackingID, "cancel"), nil, &resp)
}

// Status returns the Executor's view of trackingID. Log is null when the
// Executor holds no snapshot for it.
func (c *Client) Status(ctx context.Context, kind, trackingID string) (*domain.StatusResponse, error) {
	var resp domain.StatusResponse
	if err := c.call(ctx, http.MethodGet, c.endpoint(kind, trackingID, "status"), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Monitor returns disk usage and queue sizes for kind.
func (c *Client) Monitor(ctx context.Context, kind string) (*domain.MonitorResponse, error) {
	var resp domain.MonitorResponse
	if err := c.call(ctx, http.MethodGet, c.endpoint(kind, "monitor"), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Clear runs the Executor's retention sweep for kind.
func (c *Client) Clear(ctx context.Context, kind string, daysBefore int) (*domain.ClearResponse, error) {
	var resp domain.ClearResponse
	body := domain.ClearRequest{DaysBefore: daysBefore}
	if err := c.call(ctx, http.MethodPost, c.endpoint(kind, "monitor", "clear"), body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ClearJob removes the Executor's files for one job.
func (c *Client) ClearJob(ctx context.Context, kind, trackingID string) (*domain.ClearResponse, error) {
	var resp domain.ClearResponse
	if err := c.call(ctx, http.MethodPost, c.endpoint(kind, "monitor", "clear", trackingID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Download streams rawURL into dest. The file is written next to dest and
// renamed once complete.
func (c *Client) Download(ctx context.Context, rawURL, dest string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid url: %v", ErrBadResponse, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := checkStatus(resp); err != nil {
		return 0, err
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return 0, err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	n, err := io.Copy(tmp, resp.Body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, fmt.Errorf("%w: download interrupted: %v", ErrTransport, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return n, err
	}
	c.logger.Debug("downloaded result", "url", redact.URL(rawURL), "bytes", n)
	return n, nil
}

func (c *Client) endpoint(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return c.baseURL + "/" + strings.Join(escaped, "/")
}

func (c *Client) call(ctx context.Context, method, endpoint string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("executor call failed",
			"method", method, "url", endpoint, "error", err,
			"duration_ms", time.Since(start).Milliseconds())
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus(resp); err != nil {
		c.logger.Warn("executor call rejected",
			"method", method, "url", endpoint, "status", resp.StatusCode)
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", ErrBadResponse, err)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return fmt.Errorf("%w: status %d: %s", ErrBadResponse, resp.StatusCode, strings.TrimSpace(string(snippet)))
}

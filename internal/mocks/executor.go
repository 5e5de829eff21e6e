package mocks

import (
	"context"
	"sync"

	"github.com/phrazzld/discover-tasks/internal/domain"
)

// MockExecutor stands in for executorclient.Client. Calls are recorded in
// order as "method kind[/id]".
type MockExecutor struct {
	StartFn    func(ctx context.Context, kind string, req domain.StartRequest) (*domain.StartResponse, error)
	CancelFn   func(ctx context.Context, kind, trackingID string) error
	StatusFn   func(ctx context.Context, kind, trackingID string) (*domain.StatusResponse, error)
	MonitorFn  func(ctx context.Context, kind string) (*domain.MonitorResponse, error)
	ClearFn    func(ctx context.Context, kind string, daysBefore int) (*domain.ClearResponse, error)
	ClearJobFn func(ctx context.Context, kind, trackingID string) (*domain.ClearResponse, error)
	DownloadFn func(ctx context.Context, rawURL, dest string) (int64, error)

	mu    sync.Mutex
	calls []string
	// Starts keeps every start request received.
	Starts []domain.StartRequest
}

func (m *MockExecutor) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

// Calls returns the recorded calls.
func (m *MockExecutor) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// Start calls StartFn.
func (m *MockExecutor) Start(ctx context.Context, kind string, req domain.StartRequest) (*domain.StartResponse, error) {
	m.record("start " + kind)
	m.mu.Lock()
	m.Starts = append(m.Starts, req)
	m.mu.Unlock()
	return m.StartFn(ctx, kind, req)
}

// Cancel calls CancelFn.
func (m *MockExecutor) Cancel(ctx context.Context, kind, trackingID string) error {
	m.record("cancel " + kind + "/" + trackingID)
	return m.CancelFn(ctx, kind, trackingID)
}

// Status calls StatusFn.
func (m *MockExecutor) Status(ctx context.Context, kind, trackingID string) (*domain.StatusResponse, error) {
	m.record("status " + kind + "/" + trackingID)
	return m.StatusFn(ctx, kind, trackingID)
}

// Monitor calls MonitorFn.
func (m *MockExecutor) Monitor(ctx context.Context, kind string) (*domain.MonitorResponse, error) {
	m.record("monitor " + kind)
	return m.MonitorFn(ctx, kind)
}

// Clear calls ClearFn.
func (m *MockExecutor) Clear(ctx context.Context, kind string, daysBefore int) (*domain.ClearResponse, error) {
	m.record("clear " + kind)
	return m.ClearFn(ctx, kind, daysBefore)
}

// ClearJob calls ClearJobFn.
func (m *MockExecutor) ClearJob(ctx context.Context, kind, trackingID string) (*domain.ClearResponse, error) {
	m.record("clear " + kind + "/" + trackingID)
	return m.ClearJobFn(ctx, kind, trackingID)
}

// Download calls DownloadFn.
func (m *MockExecutor) Download(ctx context.Context, rawURL, dest string) (int64, error) {
	m.record("download " + rawURL)
	return m.DownloadFn(ctx, rawURL, dest)
}

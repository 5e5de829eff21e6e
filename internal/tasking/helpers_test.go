package tasking

import (
	"archive/zip"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/discover-tasks/internal/domain"
	"github.com/phrazzld/discover-tasks/internal/events"
	"github.com/phrazzld/discover-tasks/internal/mocks"
	"github.com/phrazzld/discover-tasks/internal/token"
)

const testBaseURL = "http://requester.test"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingAlerter struct {
	mu       sync.Mutex
	subjects []string
}

func (a *recordingAlerter) Alert(ctx context.Context, subject, body string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subjects = append(a.subjects, subject)
}

func (a *recordingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.subjects)
}

type finishedRecorder struct {
	mu     sync.Mutex
	events []events.TaskFinished
}

func (r *finishedRecorder) HandleEvent(ctx context.Context, ev *events.Event) error {
	var payload events.TaskFinished
	if err := ev.UnmarshalPayload(&payload); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, payload)
	return nil
}

func (r *finishedRecorder) all() []events.TaskFinished {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.TaskFinished(nil), r.events...)
}

type fixture struct {
	svc       *Service
	tasks     *mocks.MockTaskStore
	datasets  *mocks.MockDatasetStore
	exec      *mocks.MockExecutor
	alerts    *recordingAlerter
	finished  *finishedRecorder
	bus       *events.Bus
	artifacts Artifacts
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	tasks := mocks.NewMockTaskStore()
	f := &fixture{
		tasks:     tasks,
		datasets:  mocks.NewMockDatasetStore(tasks),
		exec:      &mocks.MockExecutor{},
		alerts:    &recordingAlerter{},
		finished:  &finishedRecorder{},
		artifacts: Artifacts{Root: t.TempDir()},
	}
	deriver, err := token.NewDeriver("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)

	f.bus = events.NewBus(testLogger())
	f.bus.RegisterHandler(f.finished)

	if cfg.BaseURL == "" {
		cfg.BaseURL = testBaseURL
	}
	f.svc, err = NewService(cfg, Deps{
		Tasks:     f.tasks,
		Datasets:  f.datasets,
		Executor:  f.exec,
		Tokens:    deriver,
		Artifacts: f.artifacts,
		Emitter:   f.bus,
		Alerter:   f.alerts,
	}, testLogger())
	require.NoError(t, err)
	return f
}

// start launches the collector.
func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.svc.Start(context.Background()))
	t.Cleanup(f.svc.Stop)
}

func (f *fixture) acceptStarts(trackingID string) {
	f.exec.StartFn = func(ctx context.Context, kind string, req domain.StartRequest) (*domain.StartResponse, error) {
		return &domain.StartResponse{TrackingID: trackingID, ExperimentID: req.ExperimentID}, nil
	}
}

// submitted creates a Task that the Executor accepted as trackingID.
func (f *fixture) submitted(t *testing.T, trackingID string) *domain.Task {
	t.Helper()
	f.acceptStarts(trackingID)
	task, err := f.svc.SubmitTask(context.Background(), CreateParams{Kind: "regions", Name: "test"})
	require.NoError(t, err)
	return task
}

func (f *fixture) reload(t *testing.T, id uuid.UUID) *domain.Task {
	t.Helper()
	task, err := f.tasks.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task
}

func (f *fixture) waitForStatus(t *testing.T, id uuid.UUID, want domain.TaskStatus) *domain.Task {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.reload(t, id).Status == want
	}, 2*time.Second, 5*time.Millisecond, "task never reached %s", want)
	return f.reload(t, id)
}

// serveZip returns a DownloadFn writing an archive of files.
func serveZip(files map[string]string) func(ctx context.Context, rawURL, dest string) (int64, error) {
	return func(ctx context.Context, rawURL, dest string) (int64, error) {
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return 0, err
		}
		out, err := os.Create(dest)
		if err != nil {
			return 0, err
		}
		zw := zip.NewWriter(out)
		for name, body := range files {
			w, err := zw.Create(name)
			if err != nil {
				return 0, err
			}
			if _, err := w.Write([]byte(body)); err != nil {
				return 0, err
			}
		}
		if err := zw.Close(); err != nil {
			return 0, err
		}
		return 0, out.Close()
	}
}

func successOutput(url string) json.RawMessage {
	return json.RawMessage(`{"result_url":"` + url + `","experiment_id":"x"}`)
}

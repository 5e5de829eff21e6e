package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/discover-tasks/internal/actors"
	"github.com/phrazzld/discover-tasks/internal/domain"
	"github.com/phrazzld/discover-tasks/internal/joblog"
	"github.com/phrazzld/discover-tasks/internal/jobs"
	"github.com/phrazzld/discover-tasks/internal/platform/sqlite"
	"github.com/phrazzld/discover-tasks/internal/retention"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	server *httptest.Server
	jobs   *sqlite.JobStore
	states *sqlite.StateStore
	ws     actors.Workspace
}

// newFixture serves the API over a runner whose workers are never started,
// so accepted jobs stay queued.
func newFixture(t *testing.T, queueSize int) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := sqlite.OpenAndMigrate(ctx, filepath.Join(t.TempDir(), "executor.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{
		jobs:   sqlite.NewJobStore(db, testLogger()),
		states: sqlite.NewStateStore(db, testLogger()),
		ws:     actors.Workspace{Root: t.TempDir()},
	}
	runner := jobs.NewRunner(f.jobs, jobs.RunnerConfig{WorkerCount: 1, QueueSize: queueSize}, testLogger())
	runner.Handle("regions", jobs.HandlerFunc(func(ctx context.Context, exec *jobs.Execution) jobs.Result {
		return jobs.Result{}
	}))
	t.Cleanup(runner.Stop)

	sweeper := retention.NewExecutorSweeper(f.ws, f.jobs, f.states, 30, testLogger())
	h, err := NewHandler(runner, f.jobs, f.states, sweeper, f.ws, testLogger())
	require.NoError(t, err)

	r := chi.NewRouter()
	h.Routes(r)
	f.server = httptest.NewServer(r)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

const startBody = `{"experiment_id":"exp-1","notify_url":"http://requester.test/regions/1/watch?token=x","parameters":{"model":"x.pth"}}`

func (f *fixture) start(t *testing.T) uuid.UUID {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/regions/start", startBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	started := decode[domain.StartResponse](t, resp)
	assert.Equal(t, "exp-1", started.ExperimentID)
	return uuid.MustParse(started.TrackingID)
}

func TestStartAndStatus(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 10)
	id := f.start(t)

	job, err := f.jobs.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, jobs.JobStatusQueued, job.Status)
	assert.JSONEq(t, `{"model":"x.pth"}`, string(job.Parameters))

	status := decode[domain.StatusResponse](t, f.do(t, http.MethodGet, "/regions/"+id.String()+"/status", ""))
	assert.Equal(t, id.String(), status.TrackingID)
	assert.Equal(t, "null", string(status.Log))
	assert.Equal(t, "queued", status.JobStatus)

	require.NoError(t, f.states.StoreState(context.Background(), &joblog.State{
		ID:     id.String(),
		Status: joblog.StatusSuccess,
		Output: json.RawMessage(`{"result_url":"http://executor.test/regions/` + id.String() + `/result"}`),
	}, time.Hour))
	status = decode[domain.StatusResponse](t, f.do(t, http.MethodGet, "/regions/"+id.String()+"/status", ""))
	var state joblog.State
	require.NoError(t, json.Unmarshal(status.Log, &state))
	assert.Equal(t, joblog.StatusSuccess, state.Status)

	unknown := decode[domain.StatusResponse](t, f.do(t, http.MethodGet, "/regions/"+uuid.NewString()+"/status", ""))
	assert.Equal(t, "null", string(unknown.Log))
	assert.Empty(t, unknown.JobStatus)
}

func TestStartRejects(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"unknown kind", "/clustering/start", startBody, http.StatusNotFound},
		{"missing notify url", "/regions/start", `{"experiment_id":"exp-1"}`, http.StatusBadRequest},
		{"malformed body", "/regions/start", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, f.do(t, http.MethodPost, tt.path, tt.body).StatusCode)
		})
	}

	f.start(t)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodPost, "/regions/start", startBody).StatusCode)
}

func TestCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 10)
	id := f.start(t)

	resp := f.do(t, http.MethodPost, "/regions/"+id.String()+"/cancel", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id.String(), decode[domain.CancelResponse](t, resp).TrackingID)

	aborted, err := f.jobs.IsAborted(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, aborted)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/similarity/"+id.String()+"/cancel", "").StatusCode)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/regions/"+uuid.NewString()+"/cancel", "").StatusCode)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/regions/nope/cancel", "").StatusCode)
}

func TestResult(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 10)
	id := uuid.NewString()

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/regions/"+id+"/result", "").StatusCode)

	path := f.ws.ResultPath("regions", id)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("PK zip"), 0o644))

	resp := f.do(t, http.MethodGet, "/regions/"+id+"/result", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "PK zip", string(body))
}

func TestMonitor(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 10)
	f.start(t)
	f.start(t)

	require.NoError(t, os.MkdirAll(f.ws.RunsDir("regions"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(f.ws.RunsDir("regions"), "a.bin"), bytes.Repeat([]byte("x"), 100), 0o644))

	mon := decode[domain.MonitorResponse](t, f.do(t, http.MethodGet, "/regions/monitor", ""))
	assert.Equal(t, int64(100), mon.TotalSize)
	assert.Equal(t, domain.QueueInfo{Name: "regions", Size: 2}, mon.Queues["regions"])
}

func TestClear(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 10)
	ctx := context.Background()

	old := f.ws.RunDir("regions", uuid.NewString())
	require.NoError(t, os.MkdirAll(old, 0o755))
	marker := filepath.Join(old, actors.RunMarker)
	require.NoError(t, actors.Touch(marker))
	past := time.Now().Add(-40 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(marker, past, past))

	resp := f.do(t, http.MethodPost, "/regions/monitor/clear", `{"days_before":30}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, decode[domain.ClearResponse](t, resp).ClearedRuns)
	assert.NoDirExists(t, old)

	id := f.start(t)
	assert.Equal(t, http.StatusConflict,
		f.do(t, http.MethodPost, "/regions/monitor/clear/"+id.String(), "").StatusCode)

	require.NoError(t, f.jobs.UpdateJobStatus(ctx, id, jobs.JobStatusSucceeded, ""))
	require.NoError(t, os.MkdirAll(f.ws.RunDir("regions", id.String()), 0o755))
	resp = f.do(t, http.MethodPost, "/regions/monitor/clear/"+id.String(), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, decode[domain.ClearResponse](t, resp).ClearedRuns)

	_, err := f.jobs.GetJob(ctx, id)
	assert.Error(t, err)
	assert.Equal(t, http.StatusBadRequest,
		f.do(t, http.MethodPost, "/regions/monitor/clear/not-a-uuid", "").StatusCode)
}

func TestHealth(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 10)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", "").StatusCode)
}

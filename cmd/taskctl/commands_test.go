package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/discover-tasks/internal/domain"
)

// fakeExecutor records the last request and answers with canned payloads.
type fakeExecutor struct {
	method string
	path   string
	body   []byte
}

func (f *fakeExecutor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.method = r.Method
	f.path = r.URL.Path
	buf := new(bytes.Buffer)
	_, _ = buf.ReadFrom(r.Body)
	f.body = buf.Bytes()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/regions/monitor":
		_ = json.NewEncoder(w).Encode(domain.MonitorResponse{
			TotalSize: 1024,
			Queues:    map[string]domain.QueueInfo{"regions": {Name: "regions", Size: 2}},
		})
	case r.URL.Path == "/regions/monitor/clear" || r.URL.Path == "/regions/monitor/clear/job-1":
		_ = json.NewEncoder(w).Encode(domain.ClearResponse{ClearedRuns: 3})
	case r.URL.Path == "/regions/job-1/status":
		_ = json.NewEncoder(w).Encode(domain.StatusResponse{Log: json.RawMessage(`null`), JobStatus: "STARTED"})
	case r.URL.Path == "/regions/job-1/cancel":
		_, _ = w.Write([]byte(`{}`))
	default:
		http.NotFound(w, r)
	}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := new(bytes.Buffer)
	cmd := newRootCmd(out)
	cmd.SetArgs(args)
	cmd.SetErr(new(bytes.Buffer))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestExecutorCommands(t *testing.T) {
	fake := &fakeExecutor{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	out, err := run(t, "--executor-url", srv.URL, "monitor", "regions")
	require.NoError(t, err)
	var monitor domain.MonitorResponse
	require.NoError(t, json.Unmarshal([]byte(out), &monitor))
	assert.Equal(t, int64(1024), monitor.TotalSize)
	assert.Equal(t, 2, monitor.Queues["regions"].Size)

	out, err = run(t, "--executor-url", srv.URL, "clear", "regions", "--days", "7")
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, fake.method)
	assert.Equal(t, "/regions/monitor/clear", fake.path)
	assert.JSONEq(t, `{"days_before":7}`, string(fake.body))
	var cleared domain.ClearResponse
	require.NoError(t, json.Unmarshal([]byte(out), &cleared))
	assert.Equal(t, 3, cleared.ClearedRuns)

	_, err = run(t, "--executor-url", srv.URL, "clear", "regions", "job-1")
	require.NoError(t, err)
	assert.Equal(t, "/regions/monitor/clear/job-1", fake.path)

	out, err = run(t, "--executor-url", srv.URL, "status", "regions", "job-1")
	require.NoError(t, err)
	assert.Contains(t, out, `"STARTED"`)

	out, err = run(t, "--executor-url", srv.URL, "cancel", "regions", "job-1")
	require.NoError(t, err)
	assert.Equal(t, "/regions/job-1/cancel", fake.path)
	assert.Contains(t, out, "job-1")
}

func TestExecutorCommandErrors(t *testing.T) {
	fake := &fakeExecutor{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	_, err := run(t, "--executor-url", srv.URL, "monitor", "unknown")
	assert.Error(t, err)

	_, err = run(t, "--executor-url", srv.URL, "clear", "regions", "--days", "-1")
	assert.Error(t, err)

	_, err = run(t, "--executor-url", srv.URL, "status", "regions")
	assert.Error(t, err)
}

func TestMigrateExecutorDB(t *testing.T) {
	path := filepath.Join(t.TempDir(), "executor.db")
	t.Setenv("DISCOVER_EXECUTOR_DB_PATH", path)

	_, err := run(t, "migrate", "--executor-db")
	require.NoError(t, err)
	_, err = os.Stat(path)
	require.NoError(t, err)

	_, err = run(t, "migrate", "version", "--executor-db")
	require.NoError(t, err)

	_, err = run(t, "migrate", "sideways", "--executor-db")
	assert.Error(t, err)
}

package tasking

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/discover-tasks/internal/domain"
	"github.com/phrazzld/discover-tasks/internal/executorclient"
)

// staleTask stores a Task last updated two hours ago.
func (f *fixture) staleTask(t *testing.T, status domain.TaskStatus, trackingID string) *domain.Task {
	t.Helper()
	task, err := domain.NewTask("regions", "", "", nil)
	require.NoError(t, err)
	task.Status = status
	task.TrackingID = trackingID
	task.UpdatedAt = time.Now().UTC().Add(-2 * time.Hour)
	f.tasks.Put(task)
	return task
}

func (f *fixture) statusReturns(log string, jobStatus string) {
	f.exec.StatusFn = func(ctx context.Context, kind, trackingID string) (*domain.StatusResponse, error) {
		return &domain.StatusResponse{TrackingID: trackingID, Log: json.RawMessage(log), JobStatus: jobStatus}, nil
	}
}

func newTestMonitor(f *fixture) *LeaseMonitor {
	return NewLeaseMonitor(f.svc, time.Hour, time.Minute, testLogger())
}

func TestLeaseMonitorExpiresVanishedJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	task := f.staleTask(t, domain.TaskStatusProgress, "abc")
	f.statusReturns("null", "")

	acted, err := newTestMonitor(f).Check(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, acted)
	got := f.reload(t, task.ID)
	assert.Equal(t, domain.TaskStatusError, got.Status)
	assert.Equal(t, msgJobVanished, got.Error)
	assert.Len(t, f.finished.all(), 1)
}

func TestLeaseMonitorExpiresUndispatchedTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	task := f.staleTask(t, domain.TaskStatusPending, "")

	_, err := newTestMonitor(f).Check(context.Background())

	require.NoError(t, err)
	assert.Equal(t, msgNeverAccepted, f.reload(t, task.ID).Error)
	assert.Empty(t, f.exec.Calls())
}

func TestLeaseMonitorRenewsQueuedJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	task := f.staleTask(t, domain.TaskStatusPending, "abc")
	f.statusReturns("null", "queued")

	_, err := newTestMonitor(f).Check(context.Background())

	require.NoError(t, err)
	got := f.reload(t, task.ID)
	assert.Equal(t, domain.TaskStatusPending, got.Status)
	assert.WithinDuration(t, time.Now(), got.UpdatedAt, time.Minute)
}

func TestLeaseMonitorRecoversMissedNotifications(t *testing.T) {
	t.Parallel()

	t.Run("success", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.start(t)
		task := f.staleTask(t, domain.TaskStatusProgress, "abc")
		f.statusReturns(`{"id":"abc","status":"SUCCESS","errors":[],"progress":[],"infos":[],"output":{"result_url":"http://executor/regions/abc/result"}}`, "succeeded")
		f.exec.DownloadFn = serveZip(map[string]string{"out.json": "{}"})

		_, err := newTestMonitor(f).Check(context.Background())

		require.NoError(t, err)
		f.waitForStatus(t, task.ID, domain.TaskStatusSuccess)
	})

	t.Run("error", func(t *testing.T) {
		f := newFixture(t, Config{})
		task := f.staleTask(t, domain.TaskStatusProgress, "abc")
		f.statusReturns(`{"id":"abc","status":"ERROR","errors":["first","second"],"progress":[],"infos":[]}`, "failed")

		_, err := newTestMonitor(f).Check(context.Background())

		require.NoError(t, err)
		got := f.reload(t, task.ID)
		assert.Equal(t, domain.TaskStatusError, got.Status)
		assert.Equal(t, "first\nsecond", got.Error)
	})

	t.Run("running without STARTED", func(t *testing.T) {
		f := newFixture(t, Config{})
		task := f.staleTask(t, domain.TaskStatusPending, "abc")
		f.statusReturns(`{"id":"abc","status":"PROGRESS","errors":[],"progress":[],"infos":["working"]}`, "running")

		_, err := newTestMonitor(f).Check(context.Background())

		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusProgress, f.reload(t, task.ID).Status)
	})
}

func TestLeaseMonitorTrustsRequeuedJob(t *testing.T) {
	t.Parallel()

	t.Run("stale error snapshot", func(t *testing.T) {
		f := newFixture(t, Config{})
		task := f.staleTask(t, domain.TaskStatusProgress, "abc")
		f.statusReturns(`{"id":"abc","status":"ERROR","errors":[],"progress":[],"infos":[]}`, "queued")

		_, err := newTestMonitor(f).Check(context.Background())

		require.NoError(t, err)
		got := f.reload(t, task.ID)
		assert.Equal(t, domain.TaskStatusProgress, got.Status)
		assert.False(t, got.IsFinished)
		assert.WithinDuration(t, time.Now(), got.UpdatedAt, time.Minute)
		assert.Empty(t, f.finished.all())
	})

	t.Run("pending with snapshot", func(t *testing.T) {
		f := newFixture(t, Config{})
		task := f.staleTask(t, domain.TaskStatusPending, "abc")
		f.statusReturns(`{"id":"abc","status":"PROGRESS","errors":[],"progress":[],"infos":["working"]}`, "queued")

		_, err := newTestMonitor(f).Check(context.Background())

		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusProgress, f.reload(t, task.ID).Status)
	})
}

func TestLeaseMonitorSkipsUnreachableExecutor(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	task := f.staleTask(t, domain.TaskStatusProgress, "abc")
	f.exec.StatusFn = func(ctx context.Context, kind, trackingID string) (*domain.StatusResponse, error) {
		return nil, executorclient.ErrTransport
	}

	acted, err := newTestMonitor(f).Check(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 0, acted)
	assert.Equal(t, task, f.reload(t, task.ID))
}

func TestLeaseMonitorIgnoresFreshTasks(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.submitted(t, "abc")

	acted, err := newTestMonitor(f).Check(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 0, acted)
	assert.Equal(t, []string{"start regions"}, f.exec.Calls())
}

func TestLeaseMonitorReschedulesCollection(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	task := f.staleTask(t, domain.TaskStatusFetchingResults, "abc")
	task.Output = successOutput("http://executor/regions/abc/result")
	f.tasks.Put(task)
	f.exec.DownloadFn = serveZip(map[string]string{"out.json": "{}"})

	_, err := newTestMonitor(f).Check(context.Background())
	require.NoError(t, err)
	f.start(t)

	f.waitForStatus(t, task.ID, domain.TaskStatusSuccess)
}

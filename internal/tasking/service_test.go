package tasking

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/discover-tasks/internal/domain"
	"github.com/phrazzld/discover-tasks/internal/executorclient"
)

func TestSubmitTaskDispatches(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.acceptStarts("abc")

	task, err := f.svc.SubmitTask(context.Background(), CreateParams{
		Kind:       "regions",
		Name:       "first",
		Parameters: json.RawMessage(`{"x":1}`),
	})

	require.NoError(t, err)
	assert.Equal(t, "abc", task.TrackingID)
	assert.Equal(t, domain.TaskStatusPending, task.Status)
	assert.False(t, task.IsFinished)
	assert.Equal(t, "abc", f.reload(t, task.ID).TrackingID)

	require.Len(t, f.exec.Starts, 1)
	req := f.exec.Starts[0]
	assert.Equal(t, task.ID.String(), req.ExperimentID)
	assert.JSONEq(t, `{"x":1}`, string(req.Parameters))

	notify, err := url.Parse(req.NotifyURL)
	require.NoError(t, err)
	assert.Equal(t, "/regions/"+task.ID.String()+"/watch", notify.Path)
	assert.True(t, f.svc.VerifyToken(task.ID, notify.Query().Get("token")))
	assert.False(t, f.svc.VerifyToken(uuid.New(), notify.Query().Get("token")))
}

func TestPollBeforeAnyNotification(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	task := f.submitted(t, "abc")
	f.exec.StatusFn = func(ctx context.Context, kind, trackingID string) (*domain.StatusResponse, error) {
		return &domain.StatusResponse{TrackingID: trackingID, Log: json.RawMessage("null"), JobStatus: "queued"}, nil
	}

	p, err := f.svc.GetProgress(context.Background(), task.ID)

	require.NoError(t, err)
	data, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"PENDING","is_finished":false,"tracking_id":"abc","log":null}`, string(data))
}

func TestStartTaskFailures(t *testing.T) {
	t.Parallel()

	t.Run("executor unreachable", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.exec.StartFn = func(ctx context.Context, kind string, req domain.StartRequest) (*domain.StartResponse, error) {
			return nil, fmt.Errorf("%w: dial tcp: connection refused", executorclient.ErrTransport)
		}

		task, err := f.svc.SubmitTask(context.Background(), CreateParams{Kind: "regions"})

		assert.ErrorIs(t, err, ErrDispatchFailed)
		require.NotNil(t, task)
		stored := f.reload(t, task.ID)
		assert.Equal(t, domain.TaskStatusError, stored.Status)
		assert.True(t, stored.IsFinished)
		assert.Equal(t, msgStartConnection, stored.Error)
		assert.Equal(t, 1, f.alerts.count())

		log, err := f.svc.FullLog(context.Background(), task.ID)
		require.NoError(t, err)
		assert.Contains(t, log, msgStartConnection)
		assert.Len(t, f.finished.all(), 1)
	})

	t.Run("malformed response", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.exec.StartFn = func(ctx context.Context, kind string, req domain.StartRequest) (*domain.StartResponse, error) {
			return nil, fmt.Errorf("%w: missing tracking_id", executorclient.ErrBadResponse)
		}

		task, err := f.svc.SubmitTask(context.Background(), CreateParams{Kind: "regions"})

		assert.ErrorIs(t, err, ErrDispatchFailed)
		stored := f.reload(t, task.ID)
		assert.Equal(t, domain.TaskStatusError, stored.Status)
		assert.Contains(t, stored.Error, "Request for task failed")
		assert.Equal(t, 0, f.alerts.count())
	})

	t.Run("already started", func(t *testing.T) {
		f := newFixture(t, Config{})
		task := f.submitted(t, "abc")

		_, err := f.svc.StartTask(context.Background(), task.ID)

		assert.ErrorIs(t, err, domain.ErrTrackingIDSet)
		assert.Len(t, f.exec.Starts, 1)
	})

	t.Run("unknown task", func(t *testing.T) {
		f := newFixture(t, Config{})

		_, err := f.svc.StartTask(context.Background(), uuid.New())

		assert.ErrorIs(t, err, ErrTaskNotFound)
	})
}

func TestCreateTaskValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	_, err := f.svc.CreateTask(context.Background(), CreateParams{Kind: "../etc"})
	assert.ErrorIs(t, err, ErrInvalidKind)

	missing := uuid.New()
	_, err = f.svc.CreateTask(context.Background(), CreateParams{Kind: "regions", DatasetID: &missing})
	assert.ErrorIs(t, err, ErrDatasetNotFound)

	_, err = f.svc.CreateTask(context.Background(), CreateParams{Kind: "regions", Parameters: json.RawMessage(`[1]`)})
	assert.ErrorIs(t, err, domain.ErrInvalidParameters)
}

func TestStartRequestCarriesDataset(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	uploaded, err := domain.NewDataset("scans", "", "/media/datasets/x.zip")
	require.NoError(t, err)
	remote, err := domain.NewDataset("remote", "https://data.example/set.zip", "")
	require.NoError(t, err)
	require.NoError(t, f.datasets.CreateDataset(context.Background(), uploaded))
	require.NoError(t, f.datasets.CreateDataset(context.Background(), remote))
	f.acceptStarts("abc")

	_, err = f.svc.SubmitTask(context.Background(), CreateParams{Kind: "regions", DatasetID: &uploaded.ID})
	require.NoError(t, err)
	_, err = f.svc.SubmitTask(context.Background(), CreateParams{Kind: "regions", DatasetID: &remote.ID})
	require.NoError(t, err)

	require.Len(t, f.exec.Starts, 2)
	assert.Equal(t, uploaded.ID.String(), f.exec.Starts[0].DatasetID)
	assert.Equal(t, testBaseURL+"/datasets/"+uploaded.ID.String()+"/archive", f.exec.Starts[0].DatasetURL)
	assert.Equal(t, "https://data.example/set.zip", f.exec.Starts[1].DatasetURL)
}

func TestReceiveNotificationStarted(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	task := f.submitted(t, "abc")
	started := domain.Notification{Event: domain.EventStarted, TrackingID: "abc"}

	require.NoError(t, f.svc.ReceiveNotification(context.Background(), task.ID, started))
	first := f.reload(t, task.ID)
	require.NoError(t, f.svc.ReceiveNotification(context.Background(), task.ID, started))

	assert.Equal(t, domain.TaskStatusProgress, first.Status)
	assert.Equal(t, first, f.reload(t, task.ID))
}

func TestReceiveNotificationSuccessCollectsResults(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{ResultPatterns: map[string][]string{"regions": {"*.json"}}})
	f.start(t)
	task := f.submitted(t, "abc")
	f.exec.DownloadFn = serveZip(map[string]string{
		"regions.json":  `{"regions":[]}`,
		"debug/raw.bin": "xx",
	})

	err := f.svc.ReceiveNotification(context.Background(), task.ID, domain.Notification{
		Event:      domain.EventSuccess,
		TrackingID: "abc",
		Output:     successOutput("http://executor/regions/abc/result"),
	})
	require.NoError(t, err)

	done := f.waitForStatus(t, task.ID, domain.TaskStatusSuccess)
	assert.True(t, done.IsFinished)
	assert.Contains(t, f.exec.Calls(), "download http://executor/regions/abc/result")
	assert.FileExists(t, f.artifacts.FilesDir(task)+"/debug/raw.bin")

	r, err := zip.OpenReader(f.artifacts.ArchivePath(task))
	require.NoError(t, err)
	defer func() { _ = r.Close() }()
	require.Len(t, r.File, 1)
	assert.Equal(t, "regions.json", r.File[0].Name)

	require.Eventually(t, func() bool { return len(f.finished.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.TaskStatusSuccess, f.finished.all()[0].Status)
}

func TestReceiveNotificationSuccessRetrievalFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.start(t)
	task := f.submitted(t, "abc")
	f.exec.DownloadFn = func(ctx context.Context, rawURL, dest string) (int64, error) {
		return 0, fmt.Errorf("%w: connection reset by peer", executorclient.ErrTransport)
	}

	require.NoError(t, f.svc.ReceiveNotification(context.Background(), task.ID, domain.Notification{
		Event:  domain.EventSuccess,
		Output: successOutput("http://executor/regions/abc/result"),
	}))

	failed := f.waitForStatus(t, task.ID, domain.TaskStatusError)
	assert.True(t, failed.IsFinished)
	assert.Contains(t, failed.Error, "Error fetching results")
	assert.Contains(t, failed.Error, "connection reset by peer")

	log, err := f.svc.FullLog(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Contains(t, log, "connection reset by peer")
}

func TestReceiveNotificationSuccessWhenCollectorIsFull(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Collector: CollectorConfig{WorkerCount: 1, QueueSize: 1}})
	f.exec.DownloadFn = serveZip(map[string]string{"out.json": "{}"})
	first := f.submitted(t, "abc")
	second := f.submitted(t, "def")

	for _, task := range []*domain.Task{first, second} {
		require.NoError(t, f.svc.ReceiveNotification(context.Background(), task.ID, domain.Notification{
			Event:  domain.EventSuccess,
			Output: successOutput("http://executor/regions/" + task.TrackingID + "/result"),
		}))
	}

	deferred := f.reload(t, second.ID)
	assert.Equal(t, domain.TaskStatusFetchingResults, deferred.Status)
	assert.False(t, deferred.IsFinished)
	assert.Empty(t, f.finished.all())
	log, err := f.svc.FullLog(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Contains(t, log, "Result retrieval deferred")

	// Rescheduled once the queue has room, as the lease monitor does.
	f.start(t)
	f.waitForStatus(t, first.ID, domain.TaskStatusSuccess)
	require.Eventually(t, func() bool {
		return f.svc.ScheduleCollection(second.ID) == nil
	}, 2*time.Second, 5*time.Millisecond)
	f.waitForStatus(t, second.ID, domain.TaskStatusSuccess)
}

func TestReceiveNotificationSuccessWithoutResultURL(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.start(t)
	task := f.submitted(t, "abc")

	require.NoError(t, f.svc.ReceiveNotification(context.Background(), task.ID, domain.Notification{
		Event: domain.EventSuccess,
	}))

	failed := f.waitForStatus(t, task.ID, domain.TaskStatusError)
	assert.Contains(t, failed.Error, "no result_url")
}

func TestReceiveNotificationErrorIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	task := f.submitted(t, "abc")
	ev := domain.Notification{Event: domain.EventError, TrackingID: "abc", Error: "CUDA out of memory"}

	require.NoError(t, f.svc.ReceiveNotification(context.Background(), task.ID, ev))
	once := f.reload(t, task.ID)
	require.NoError(t, f.svc.ReceiveNotification(context.Background(), task.ID, ev))
	twice := f.reload(t, task.ID)

	assert.Equal(t, domain.TaskStatusError, once.Status)
	assert.Equal(t, "CUDA out of memory", once.Error)
	assert.Equal(t, once, twice)
	assert.Len(t, f.finished.all(), 1)

	log, err := f.svc.FullLog(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(log, "CUDA out of memory"))
}

func TestReceiveNotificationErrorWithoutMessage(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	task := f.submitted(t, "abc")

	require.NoError(t, f.svc.ReceiveNotification(context.Background(), task.ID, domain.Notification{Event: domain.EventError}))

	assert.Equal(t, msgUnknownError, f.reload(t, task.ID).Error)
}

func TestReceiveNotificationRejects(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	task := f.submitted(t, "abc")

	err := f.svc.ReceiveNotification(context.Background(), task.ID, domain.Notification{Event: "DONE"})
	assert.ErrorIs(t, err, ErrUnknownEvent)

	err = f.svc.ReceiveNotification(context.Background(), task.ID, domain.Notification{Event: domain.EventStarted, TrackingID: "other"})
	assert.ErrorIs(t, err, ErrTrackingMismatch)
	assert.Equal(t, domain.TaskStatusPending, f.reload(t, task.ID).Status)

	err = f.svc.ReceiveNotification(context.Background(), uuid.New(), domain.Notification{Event: domain.EventStarted})
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestCancelTask(t *testing.T) {
	t.Parallel()

	t.Run("cancels running job", func(t *testing.T) {
		f := newFixture(t, Config{})
		task := f.submitted(t, "abc")
		f.exec.CancelFn = func(ctx context.Context, kind, trackingID string) error { return nil }

		cancelled, err := f.svc.CancelTask(context.Background(), task.ID)

		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusCancelled, cancelled.Status)
		assert.True(t, f.reload(t, task.ID).IsFinished)
		assert.Contains(t, f.exec.Calls(), "cancel regions/abc")
		require.Len(t, f.finished.all(), 1)
		assert.Equal(t, domain.TaskStatusCancelled, f.finished.all()[0].Status)

		// A late SUCCESS loses the race.
		require.NoError(t, f.svc.ReceiveNotification(context.Background(), task.ID, domain.Notification{
			Event:  domain.EventSuccess,
			Output: successOutput("http://executor/r"),
		}))
		assert.Equal(t, domain.TaskStatusCancelled, f.reload(t, task.ID).Status)
	})

	t.Run("executor unreachable leaves task", func(t *testing.T) {
		f := newFixture(t, Config{})
		task := f.submitted(t, "abc")
		require.NoError(t, f.svc.ReceiveNotification(context.Background(), task.ID, domain.Notification{Event: domain.EventStarted}))
		f.exec.CancelFn = func(ctx context.Context, kind, trackingID string) error {
			return fmt.Errorf("%w: timeout", executorclient.ErrTransport)
		}

		_, err := f.svc.CancelTask(context.Background(), task.ID)

		assert.ErrorIs(t, err, executorclient.ErrTransport)
		assert.Equal(t, domain.TaskStatusProgress, f.reload(t, task.ID).Status)
		log, _ := f.svc.FullLog(context.Background(), task.ID)
		assert.Contains(t, log, msgCancelConnection)
	})

	t.Run("executor refuses", func(t *testing.T) {
		f := newFixture(t, Config{})
		task := f.submitted(t, "abc")
		f.exec.CancelFn = func(ctx context.Context, kind, trackingID string) error {
			return fmt.Errorf("%w: status 404", executorclient.ErrBadResponse)
		}

		got, err := f.svc.CancelTask(context.Background(), task.ID)

		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusError, got.Status)
		assert.Contains(t, got.Error, "Error cancelling task")
	})

	t.Run("never dispatched", func(t *testing.T) {
		f := newFixture(t, Config{})
		task, err := f.svc.CreateTask(context.Background(), CreateParams{Kind: "regions"})
		require.NoError(t, err)

		got, err := f.svc.CancelTask(context.Background(), task.ID)

		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusCancelled, got.Status)
		assert.Empty(t, f.exec.Calls())
	})

	t.Run("finished", func(t *testing.T) {
		f := newFixture(t, Config{})
		task := f.submitted(t, "abc")
		require.NoError(t, f.svc.ReceiveNotification(context.Background(), task.ID, domain.Notification{Event: domain.EventError}))

		_, err := f.svc.CancelTask(context.Background(), task.ID)

		assert.ErrorIs(t, err, domain.ErrTaskFinished)
	})
}

func TestGetProgress(t *testing.T) {
	t.Parallel()

	t.Run("overlays local status on the snapshot", func(t *testing.T) {
		f := newFixture(t, Config{})
		task := f.submitted(t, "abc")
		require.NoError(t, f.svc.ReceiveNotification(context.Background(), task.ID, domain.Notification{Event: domain.EventStarted}))
		snapshot := json.RawMessage(`{"id":"abc","status":"SUCCESS","errors":[],"progress":[],"infos":["done"]}`)
		f.exec.StatusFn = func(ctx context.Context, kind, trackingID string) (*domain.StatusResponse, error) {
			return &domain.StatusResponse{TrackingID: trackingID, Log: snapshot}, nil
		}

		p, err := f.svc.GetProgress(context.Background(), task.ID)

		require.NoError(t, err)
		assert.Equal(t, string(domain.TaskStatusProgress), p.Status)
		assert.JSONEq(t, string(snapshot), string(p.Log))
	})

	t.Run("unreachable executor", func(t *testing.T) {
		f := newFixture(t, Config{})
		task := f.submitted(t, "abc")
		f.exec.StatusFn = func(ctx context.Context, kind, trackingID string) (*domain.StatusResponse, error) {
			return nil, executorclient.ErrTransport
		}

		p, err := f.svc.GetProgress(context.Background(), task.ID)

		require.NoError(t, err)
		assert.Equal(t, domain.StatusUnknown, p.Status)
		assert.Equal(t, msgProgressConnection, p.Error)
		assert.Nil(t, p.Log)
	})

	t.Run("finished task keeps its status", func(t *testing.T) {
		f := newFixture(t, Config{})
		task := f.submitted(t, "abc")
		require.NoError(t, f.svc.ReceiveNotification(context.Background(), task.ID, domain.Notification{Event: domain.EventError, Error: "boom"}))
		f.exec.StatusFn = func(ctx context.Context, kind, trackingID string) (*domain.StatusResponse, error) {
			return nil, errors.New("wrapped: " + executorclient.ErrTransport.Error())
		}

		p, err := f.svc.GetProgress(context.Background(), task.ID)

		require.NoError(t, err)
		assert.Equal(t, string(domain.TaskStatusError), p.Status)
		assert.True(t, p.IsFinished)
		assert.Equal(t, "boom", p.Error)
	})

	t.Run("not dispatched", func(t *testing.T) {
		f := newFixture(t, Config{})
		task, err := f.svc.CreateTask(context.Background(), CreateParams{Kind: "regions"})
		require.NoError(t, err)

		p, err := f.svc.GetProgress(context.Background(), task.ID)

		require.NoError(t, err)
		assert.Equal(t, string(domain.TaskStatusPending), p.Status)
		assert.Empty(t, f.exec.Calls())
	})
}

func TestStartRequeuesFetchingTasks(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	task, err := domain.NewTask("regions", "", "", nil)
	require.NoError(t, err)
	task.TrackingID = "abc"
	task.Status = domain.TaskStatusFetchingResults
	task.Output = successOutput("http://executor/regions/abc/result")
	f.tasks.Put(task)
	f.exec.DownloadFn = serveZip(map[string]string{"out.json": "{}"})

	f.start(t)

	f.waitForStatus(t, task.ID, domain.TaskStatusSuccess)
}

func TestNewServiceRequiresDeps(t *testing.T) {
	t.Parallel()
	_, err := NewService(Config{BaseURL: testBaseURL}, Deps{}, testLogger())

	var svcErr *ServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, "create_service", svcErr.Operation)
}

package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/discover-tasks/internal/domain"
)

func waitForStatus(t *testing.T, store *MockJobStore, id uuid.UUID, want JobStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		return store.Status(id) == want
	}, 2*time.Second, 5*time.Millisecond, "job never reached %s (last %s)", want, store.Status(id))
}

func newTestRunner(store JobStore, cfg RunnerConfig) *Runner {
	return NewRunner(store, cfg, testLogger())
}

func TestRunnerProcessesJobs(t *testing.T) {
	t.Parallel()
	store := NewMockJobStore()
	runner := newTestRunner(store, RunnerConfig{WorkerCount: 2, QueueSize: 10, TimeLimit: time.Minute})

	var mu sync.Mutex
	seen := make(map[uuid.UUID]bool)
	runner.Handle("regions", HandlerFunc(func(ctx context.Context, exec *Execution) Result {
		mu.Lock()
		seen[exec.Job.ID] = true
		mu.Unlock()
		return Result{}
	}))
	runner.Handle("fail", HandlerFunc(func(ctx context.Context, exec *Execution) Result {
		return Result{Err: errors.New("boom")}
	}))

	require.NoError(t, runner.Start())
	defer runner.Stop()

	ok := NewJob("regions", domain.StartRequest{ExperimentID: "a"})
	bad := NewJob("fail", domain.StartRequest{ExperimentID: "b"})
	require.NoError(t, runner.Submit(context.Background(), ok))
	require.NoError(t, runner.Submit(context.Background(), bad))

	waitForStatus(t, store, ok.ID, JobStatusSucceeded)
	waitForStatus(t, store, bad.ID, JobStatusFailed)

	failed, err := store.GetJob(context.Background(), bad.ID)
	require.NoError(t, err)
	assert.Equal(t, "boom", failed.Error)

	mu.Lock()
	assert.True(t, seen[ok.ID])
	mu.Unlock()
}

func TestRunnerSubmitUnknownKind(t *testing.T) {
	t.Parallel()
	runner := newTestRunner(NewMockJobStore(), DefaultRunnerConfig())

	err := runner.Submit(context.Background(), NewJob("nope", domain.StartRequest{}))

	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestRunnerSubmitStoreError(t *testing.T) {
	t.Parallel()
	store := NewMockJobStore()
	store.SaveFn = func(ctx context.Context, job *Job) error {
		return errors.New("disk full")
	}
	runner := newTestRunner(store, DefaultRunnerConfig())
	runner.Handle("regions", HandlerFunc(func(ctx context.Context, exec *Execution) Result { return Result{} }))

	err := runner.Submit(context.Background(), NewJob("regions", domain.StartRequest{}))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 0, runner.queue.Len())
}

func TestRunnerSubmitQueueFull(t *testing.T) {
	t.Parallel()
	store := NewMockJobStore()
	runner := newTestRunner(store, RunnerConfig{WorkerCount: 1, QueueSize: 1, TimeLimit: time.Minute})
	runner.Handle("regions", HandlerFunc(func(ctx context.Context, exec *Execution) Result { return Result{} }))

	// Workers are not started, so the buffer fills up.
	first := NewJob("regions", domain.StartRequest{})
	second := NewJob("regions", domain.StartRequest{})
	require.NoError(t, runner.Submit(context.Background(), first))
	err := runner.Submit(context.Background(), second)

	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, JobStatusFailed, store.Status(second.ID))
}

func TestRunnerAbortQueuedJob(t *testing.T) {
	t.Parallel()
	store := NewMockJobStore()
	runner := newTestRunner(store, RunnerConfig{WorkerCount: 1, QueueSize: 10, TimeLimit: time.Minute})

	called := make(chan struct{}, 1)
	runner.Handle("regions", HandlerFunc(func(ctx context.Context, exec *Execution) Result {
		called <- struct{}{}
		return Result{}
	}))

	job := NewJob("regions", domain.StartRequest{})
	require.NoError(t, runner.Submit(context.Background(), job))
	require.NoError(t, runner.Abort(context.Background(), job.ID))

	require.NoError(t, runner.Start())
	defer runner.Stop()

	waitForStatus(t, store, job.ID, JobStatusAborted)
	select {
	case <-called:
		t.Fatal("aborted job must not run")
	default:
	}
}

func TestRunnerAbortRunningJob(t *testing.T) {
	t.Parallel()
	store := NewMockJobStore()
	runner := newTestRunner(store, RunnerConfig{WorkerCount: 1, QueueSize: 10, TimeLimit: time.Minute})

	started := make(chan struct{})
	var cause error
	runner.Handle("regions", HandlerFunc(func(ctx context.Context, exec *Execution) Result {
		close(started)
		<-ctx.Done()
		cause = context.Cause(ctx)
		return Result{Err: cause}
	}))

	require.NoError(t, runner.Start())
	defer runner.Stop()

	job := NewJob("regions", domain.StartRequest{})
	require.NoError(t, runner.Submit(context.Background(), job))

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}
	require.NoError(t, runner.Abort(context.Background(), job.ID))

	waitForStatus(t, store, job.ID, JobStatusAborted)
	assert.ErrorIs(t, cause, ErrAborted)
}

// abortOnReadStore reports the flag as clear and aborts the job during the
// read, as a cancel request arriving while a worker picks the job up would.
type abortOnReadStore struct {
	*MockJobStore
	runner *Runner
	once   sync.Once
}

func (s *abortOnReadStore) IsAborted(ctx context.Context, id uuid.UUID) (bool, error) {
	s.once.Do(func() {
		_ = s.runner.Abort(ctx, id)
	})
	return false, nil
}

func TestRunnerAbortDuringPickup(t *testing.T) {
	t.Parallel()
	store := &abortOnReadStore{MockJobStore: NewMockJobStore()}
	runner := newTestRunner(store, RunnerConfig{WorkerCount: 1, QueueSize: 10, TimeLimit: time.Minute})
	store.runner = runner

	runner.Handle("regions", HandlerFunc(func(ctx context.Context, exec *Execution) Result {
		select {
		case <-ctx.Done():
			return Result{Err: context.Cause(ctx)}
		case <-time.After(time.Second):
			return Result{}
		}
	}))

	require.NoError(t, runner.Start())
	defer runner.Stop()

	job := NewJob("regions", domain.StartRequest{})
	require.NoError(t, runner.Submit(context.Background(), job))

	waitForStatus(t, store.MockJobStore, job.ID, JobStatusAborted)
}

func TestRunnerAbortUnknownJob(t *testing.T) {
	t.Parallel()
	runner := newTestRunner(NewMockJobStore(), DefaultRunnerConfig())

	err := runner.Abort(context.Background(), uuid.New())

	assert.Error(t, err)
}

func TestRunnerTimeLimit(t *testing.T) {
	t.Parallel()
	store := NewMockJobStore()
	runner := newTestRunner(store, RunnerConfig{WorkerCount: 1, QueueSize: 10, TimeLimit: 20 * time.Millisecond})

	runner.Handle("slow", HandlerFunc(func(ctx context.Context, exec *Execution) Result {
		<-ctx.Done()
		return Result{Err: context.Cause(ctx)}
	}))

	require.NoError(t, runner.Start())
	defer runner.Stop()

	job := NewJob("slow", domain.StartRequest{})
	require.NoError(t, runner.Submit(context.Background(), job))

	waitForStatus(t, store, job.ID, JobStatusFailed)
	stored, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, ErrTimeLimitExceeded.Error(), stored.Error)
}

func TestRunnerRecover(t *testing.T) {
	t.Parallel()
	store := NewMockJobStore()

	queued := NewJob("regions", domain.StartRequest{})
	interrupted := NewJob("regions", domain.StartRequest{})
	interrupted.Status = JobStatusRunning
	require.NoError(t, store.SaveJob(context.Background(), queued))
	require.NoError(t, store.SaveJob(context.Background(), interrupted))

	runner := newTestRunner(store, RunnerConfig{WorkerCount: 1, QueueSize: 10, TimeLimit: time.Minute})
	runner.Handle("regions", HandlerFunc(func(ctx context.Context, exec *Execution) Result { return Result{} }))

	require.NoError(t, runner.Start())
	defer runner.Stop()

	waitForStatus(t, store, queued.ID, JobStatusSucceeded)
	waitForStatus(t, store, interrupted.ID, JobStatusSucceeded)
}

func TestRunnerStopRequeuesRunningJob(t *testing.T) {
	t.Parallel()
	store := NewMockJobStore()
	runner := newTestRunner(store, RunnerConfig{WorkerCount: 1, QueueSize: 10, TimeLimit: time.Minute})

	started := make(chan struct{})
	runner.Handle("regions", HandlerFunc(func(ctx context.Context, exec *Execution) Result {
		close(started)
		<-ctx.Done()
		return Result{Err: context.Cause(ctx)}
	}))

	require.NoError(t, runner.Start())
	job := NewJob("regions", domain.StartRequest{})
	require.NoError(t, runner.Submit(context.Background(), job))
	<-started

	runner.Stop()

	assert.Equal(t, JobStatusQueued, store.Status(job.ID))
}

func TestRunnerQueueSizes(t *testing.T) {
	t.Parallel()
	store := NewMockJobStore()
	runner := newTestRunner(store, RunnerConfig{WorkerCount: 1, QueueSize: 10, TimeLimit: time.Minute})
	noop := HandlerFunc(func(ctx context.Context, exec *Execution) Result { return Result{} })
	runner.Handle("regions", noop)
	runner.Handle("similarity", noop)

	require.NoError(t, runner.Submit(context.Background(), NewJob("regions", domain.StartRequest{})))
	require.NoError(t, runner.Submit(context.Background(), NewJob("regions", domain.StartRequest{})))

	sizes, err := runner.QueueSizes(context.Background())

	require.NoError(t, err)
	assert.Equal(t, map[string]int{"regions": 2, "similarity": 0}, sizes)
	assert.Equal(t, []string{"regions", "similarity"}, runner.Kinds())
}

package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/discover-tasks/internal/domain"
	"github.com/phrazzld/discover-tasks/internal/joblog"
)

// recordingNotifier captures notifications in delivery order.
type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.Notification
	urls   []string
}

func (n *recordingNotifier) Notify(ctx context.Context, url string, ev domain.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	n.urls = append(n.urls, url)
	return nil
}

func (n *recordingNotifier) types() []domain.EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]domain.EventType, len(n.events))
	for i, ev := range n.events {
		out[i] = ev.Event
	}
	return out
}

func (n *recordingNotifier) last() domain.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.events[len(n.events)-1]
}

// memorySink keeps the latest snapshot per job.
type memorySink struct {
	mu     sync.Mutex
	states map[string]*joblog.State
}

func newMemorySink() *memorySink {
	return &memorySink{states: make(map[string]*joblog.State)}
}

func (s *memorySink) StoreState(ctx context.Context, state *joblog.State, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.ID] = state
	return nil
}

func (s *memorySink) get(id string) *joblog.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[id]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testJob() *Job {
	return NewJob("regions", domain.StartRequest{
		ExperimentID: "exp-1",
		NotifyURL:    "http://requester/regions/1/watch?token=t",
	})
}

func TestLifecycleSuccess(t *testing.T) {
	t.Parallel()
	sink := newMemorySink()
	registry := joblog.NewRegistry(sink, time.Hour, testLogger())
	notifier := &recordingNotifier{}

	var seenLogger joblog.Reporter
	actor := Actor(func(ctx context.Context, job *Job, log joblog.Reporter) (any, error) {
		seenLogger = log
		log.Info("working")
		return map[string]string{"result_url": "http://executor/r.zip"}, nil
	})

	job := testJob()
	res := Lifecycle(actor, registry, notifier, testLogger()).Execute(context.Background(), &Execution{Job: job})

	require.NoError(t, res.Err)
	assert.JSONEq(t, `{"result_url":"http://executor/r.zip"}`, string(res.Output))
	assert.Equal(t, []domain.EventType{domain.EventStarted, domain.EventSuccess}, notifier.types())
	assert.JSONEq(t, string(res.Output), string(notifier.last().Output))
	assert.Equal(t, job.ID.String(), notifier.last().TrackingID)
	assert.Equal(t, job.NotifyURL, notifier.urls[0])

	_, isJobLogger := seenLogger.(*joblog.Logger)
	assert.True(t, isJobLogger, "actor receives the job-scoped logger")
	assert.Equal(t, 0, registry.Len(), "logger discarded after the run")

	final := sink.get(job.ID.String())
	require.NotNil(t, final)
	assert.Equal(t, joblog.StatusSuccess, final.Status)
	assert.Contains(t, final.Infos, "Starting task regions")
	assert.Contains(t, final.Infos, "working")
}

func TestLifecycleFailure(t *testing.T) {
	t.Parallel()
	sink := newMemorySink()
	registry := joblog.NewRegistry(sink, time.Hour, testLogger())
	notifier := &recordingNotifier{}

	actor := Actor(func(ctx context.Context, job *Job, log joblog.Reporter) (any, error) {
		return nil, errors.New("model weights missing")
	})

	job := testJob()
	res := Lifecycle(actor, registry, notifier, testLogger()).Execute(context.Background(), &Execution{Job: job})

	require.Error(t, res.Err)
	assert.Equal(t, []domain.EventType{domain.EventStarted, domain.EventError}, notifier.types())
	assert.Equal(t, "model weights missing", notifier.last().Error)

	final := sink.get(job.ID.String())
	assert.Equal(t, joblog.StatusError, final.Status)
	require.Len(t, final.Errors, 1, "error is logged before the ERROR event")
	assert.Contains(t, final.Errors[0], "model weights missing")
}

func TestLifecyclePanic(t *testing.T) {
	t.Parallel()
	notifier := &recordingNotifier{}
	registry := joblog.NewRegistry(newMemorySink(), time.Hour, testLogger())

	actor := Actor(func(ctx context.Context, job *Job, log joblog.Reporter) (any, error) {
		panic("index out of range")
	})

	res := Lifecycle(actor, registry, notifier, testLogger()).Execute(context.Background(), &Execution{Job: testJob()})

	assert.ErrorIs(t, res.Err, ErrPanic)
	assert.Equal(t, []domain.EventType{domain.EventStarted, domain.EventError}, notifier.types())
}

func TestLifecycleAbortIsSilent(t *testing.T) {
	t.Parallel()
	notifier := &recordingNotifier{}
	registry := joblog.NewRegistry(newMemorySink(), time.Hour, testLogger())

	ctx, cancel := context.WithCancelCause(context.Background())
	actor := Actor(func(ctx context.Context, job *Job, log joblog.Reporter) (any, error) {
		cancel(ErrAborted)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	res := Lifecycle(actor, registry, notifier, testLogger()).Execute(ctx, &Execution{Job: testJob()})

	assert.ErrorIs(t, res.Err, ErrAborted)
	assert.Equal(t, []domain.EventType{domain.EventStarted}, notifier.types(), "no terminal event after abort")
}

func TestLifecycleShutdownKeepsLiveSnapshot(t *testing.T) {
	t.Parallel()
	notifier := &recordingNotifier{}
	sink := newMemorySink()
	registry := joblog.NewRegistry(sink, time.Hour, testLogger())
	job := testJob()

	ctx, cancel := context.WithCancelCause(context.Background())
	actor := Actor(func(ctx context.Context, job *Job, log joblog.Reporter) (any, error) {
		cancel(ErrShutdown)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	res := Lifecycle(actor, registry, notifier, testLogger()).Execute(ctx, &Execution{Job: job})

	assert.ErrorIs(t, res.Err, ErrShutdown)
	assert.Equal(t, []domain.EventType{domain.EventStarted}, notifier.types())
	state := sink.get(job.ID.String())
	require.NotNil(t, state)
	assert.Equal(t, joblog.StatusProgress, state.Status)
	assert.Zero(t, registry.Len())
}

func TestChainOrder(t *testing.T) {
	t.Parallel()
	var order []string
	mw := func(name string) Middleware {
		return func(next Handler) Handler {
			return HandlerFunc(func(ctx context.Context, exec *Execution) Result {
				order = append(order, name+" in")
				res := next.Execute(ctx, exec)
				order = append(order, name+" out")
				return res
			})
		}
	}
	h := Chain(HandlerFunc(func(ctx context.Context, exec *Execution) Result {
		order = append(order, "handler")
		return Result{}
	}), mw("outer"), mw("inner"))

	h.Execute(context.Background(), &Execution{Job: testJob()})

	assert.Equal(t, []string{"outer in", "inner in", "handler", "inner out", "outer out"}, order)
}

func TestActorOutputEncoding(t *testing.T) {
	t.Parallel()

	res := Actor(func(ctx context.Context, job *Job, log joblog.Reporter) (any, error) {
		return nil, nil
	}).Execute(context.Background(), &Execution{Job: testJob()})
	assert.NoError(t, res.Err)
	assert.Nil(t, res.Output)

	res = Actor(func(ctx context.Context, job *Job, log joblog.Reporter) (any, error) {
		return json.RawMessage(`{"n":1}`), nil
	}).Execute(context.Background(), &Execution{Job: testJob()})
	assert.JSONEq(t, `{"n":1}`, string(res.Output))

	res = Actor(func(ctx context.Context, job *Job, log joblog.Reporter) (any, error) {
		return make(chan int), nil
	}).Execute(context.Background(), &Execution{Job: testJob()})
	assert.Error(t, res.Err)
}

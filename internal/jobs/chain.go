package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/phrazzld/discover-tasks/internal/domain"
	"github.com/phrazzld/discover-tasks/internal/joblog"
)

// ErrPanic wraps a value recovered from a panicking actor.
var ErrPanic = errors.New("actor panicked")

// Result is the outcome of one job execution: Output on success, Err otherwise.
type Result struct {
	Output json.RawMessage
	Err    error
}

// Execution is the per-run state threaded through the handler chain.
// Log is set by WithJobLogger; handlers fall back to a process logger when it is nil.
type Execution struct {
	Job *Job
	Log joblog.Reporter
}

// Handler runs a job.
type Handler interface {
	Execute(ctx context.Context, exec *Execution) Result
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, exec *Execution) Result

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, exec *Execution) Result {
	return f(ctx, exec)
}

// Middleware wraps a Handler with lifecycle behaviour.
type Middleware func(Handler) Handler

// Chain wraps h so that mws[0] is the outermost layer.
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Notifier delivers lifecycle events to a notify URL.
type Notifier interface {
	Notify(ctx context.Context, notifyURL string, n domain.Notification) error
}

// Lifecycle composes the standard actor wrapper: job logger, notifications,
// then panic recovery around the actor.
func Lifecycle(actor Handler, registry *joblog.Registry, notifier Notifier, logger *slog.Logger) Handler {
	return Chain(actor,
		WithJobLogger(registry),
		WithNotifications(notifier),
		WithRecovery(logger),
	)
}

// WithJobLogger acquires the job's Logger before running next, mirrors the
// final snapshot once next returns, and then discards the Logger. A job
// interrupted by shutdown gets no final snapshot.
func WithJobLogger(registry *joblog.Registry) Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, exec *Execution) Result {
			jobID := exec.Job.ID.String()
			jl := registry.Acquire(ctx, jobID, fmt.Sprintf("%s %s", exec.Job.Kind, exec.Job.ExperimentID))
			defer registry.Release(jobID)

			exec.Log = jl
			res := next.Execute(ctx, exec)

			switch {
			case errors.Is(res.Err, ErrShutdown):
				// The job is requeued; its snapshot stays live for the next run.
			case res.Err != nil:
				jl.Terminate(joblog.StatusError, nil)
			default:
				jl.Terminate(joblog.StatusSuccess, res.Output)
			}
			return res
		})
	}
}

// WithNotifications emits STARTED before next and SUCCESS or ERROR after it.
// Aborted jobs and jobs interrupted by shutdown emit nothing further.
func WithNotifications(notifier Notifier) Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, exec *Execution) Result {
			job := exec.Job
			log := reporter(exec)
			// Notifications use a context that survives job cancellation.
			notifyCtx := context.WithoutCancel(ctx)

			log.Info(fmt.Sprintf("Starting task %s", job.Kind))
			_ = notifier.Notify(notifyCtx, job.NotifyURL, domain.Notification{
				Event:      domain.EventStarted,
				TrackingID: job.ID.String(),
			})

			res := next.Execute(ctx, exec)

			switch {
			case res.Err == nil:
				_ = notifier.Notify(notifyCtx, job.NotifyURL, domain.Notification{
					Event:      domain.EventSuccess,
					TrackingID: job.ID.String(),
					Output:     res.Output,
				})
			case errors.Is(res.Err, ErrAborted), errors.Is(res.Err, ErrShutdown):
				log.Info(fmt.Sprintf("Task %s stopped: %v", job.Kind, res.Err))
			default:
				log.Error(fmt.Sprintf("Error in task %s: %v", job.Kind, res.Err))
				_ = notifier.Notify(notifyCtx, job.NotifyURL, domain.Notification{
					Event:      domain.EventError,
					TrackingID: job.ID.String(),
					Error:      res.Err.Error(),
				})
			}
			return res
		})
	}
}

// WithRecovery turns a panic in next into an ERROR result.
func WithRecovery(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, exec *Execution) (res Result) {
			defer func() {
				if p := recover(); p != nil {
					logger.Error("actor panicked",
						"job_id", exec.Job.ID,
						"kind", exec.Job.Kind,
						"panic", p,
						"stack", string(debug.Stack()))
					res = Result{Err: fmt.Errorf("%w: %v", ErrPanic, p)}
				}
			}()
			return next.Execute(ctx, exec)
		})
	}
}

// Actor is the domain function behind a job kind. Its return value becomes
// the SUCCESS output and must marshal to JSON.
type Actor func(ctx context.Context, job *Job, log joblog.Reporter) (any, error)

// Execute runs the actor and converts its outcome into a Result. When the
// job context was cancelled, the cancellation cause is attached to the error.
func (a Actor) Execute(ctx context.Context, exec *Execution) Result {
	out, err := a(ctx, exec.Job, reporter(exec))
	if err != nil {
		if ctx.Err() != nil {
			if cause := context.Cause(ctx); cause != nil && !errors.Is(err, cause) {
				err = fmt.Errorf("%w: %w", cause, err)
			}
		}
		return Result{Err: err}
	}
	if out == nil {
		return Result{}
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return Result{Err: fmt.Errorf("failed to encode actor output: %w", err)}
	}
	return Result{Output: raw}
}

func reporter(exec *Execution) joblog.Reporter {
	if exec.Log == nil {
		exec.Log = joblog.NewFallback(slog.Default())
	}
	return exec.Log
}

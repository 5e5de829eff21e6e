package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RunnerConfig holds configuration for the job runner
type RunnerConfig struct {
	// WorkerCount determines how many jobs run concurrently
	WorkerCount int

	// QueueSize determines the buffer size for the in-memory job queue
	QueueSize int

	// TimeLimit is the hard wall-clock limit of a single job
	TimeLimit time.Duration
}

// DefaultRunnerConfig returns a RunnerConfig with reasonable defaults
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		WorkerCount: 2,
		QueueSize:   100,
		TimeLimit:   24 * time.Hour,
	}
}

// Runner executes jobs on a fixed pool of workers. Jobs are persisted before
// they are queued so that a restart can recover them.
type Runner struct {
	store      JobStore
	queue      *JobQueue
	handlers   map[string]Handler
	ctx        context.Context
	cancelFunc context.CancelCauseFunc
	wg         sync.WaitGroup
	config     RunnerConfig
	logger     *slog.Logger

	mu      sync.Mutex
	running map[uuid.UUID]context.CancelCauseFunc
}

// NewRunner creates a new Runner
func NewRunner(store JobStore, config RunnerConfig, logger *slog.Logger) *Runner {
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultRunnerConfig().QueueSize
	}
	if config.TimeLimit <= 0 {
		config.TimeLimit = DefaultRunnerConfig().TimeLimit
	}
	logger = logger.With("component", "job_runner")

	ctx, cancel := context.WithCancelCause(context.Background())

	return &Runner{
		store:      store,
		queue:      NewJobQueue(config.QueueSize, logger),
		handlers:   make(map[string]Handler),
		ctx:        ctx,
		cancelFunc: cancel,
		config:     config,
		logger:     logger,
		running:    make(map[uuid.UUID]context.CancelCauseFunc),
	}
}

// Handle registers the handler for a job kind. It must be called before Start.
func (r *Runner) Handle(kind string, h Handler) {
	r.handlers[kind] = h
}

// HasKind reports whether a handler is registered for kind.
func (r *Runner) HasKind(kind string) bool {
	_, ok := r.handlers[kind]
	return ok
}

// Kinds lists the registered job kinds.
func (r *Runner) Kinds() []string {
	kinds := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Submit persists job and adds it to the queue.
func (r *Runner) Submit(ctx context.Context, job *Job) error {
	if !r.HasKind(job.Kind) {
		return fmt.Errorf("%w: %s", ErrUnknownKind, job.Kind)
	}

	job.Status = JobStatusQueued
	if err := r.store.SaveJob(ctx, job); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}

	if err := r.queue.Enqueue(job); err != nil {
		if updateErr := r.store.UpdateJobStatus(ctx, job.ID, JobStatusFailed, err.Error()); updateErr != nil {
			r.logger.Error("failed to mark rejected job", "job_id", job.ID, "error", updateErr)
		}
		return err
	}
	return nil
}

// Start recovers unfinished jobs and starts the workers
func (r *Runner) Start() error {
	if err := r.Recover(); err != nil {
		return fmt.Errorf("failed to recover jobs: %w", err)
	}

	for i := 0; i < r.config.WorkerCount; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}
	return nil
}

// Stop cancels running jobs with ErrShutdown and waits for the workers.
// Interrupted jobs are put back in the queued state for the next Recover.
func (r *Runner) Stop() {
	r.cancelFunc(ErrShutdown)
	r.wg.Wait()
	r.queue.Close()
}

// Recover requeues jobs left queued or running by a previous process.
func (r *Runner) Recover() error {
	ctx := context.Background()

	queued, err := r.store.ListJobsByStatus(ctx, JobStatusQueued)
	if err != nil {
		return fmt.Errorf("failed to get queued jobs: %w", err)
	}
	interrupted, err := r.store.ListJobsByStatus(ctx, JobStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to get running jobs: %w", err)
	}

	r.logger.Info("recovering unfinished jobs",
		"queued_count", len(queued),
		"running_count", len(interrupted))

	for _, job := range interrupted {
		if err := r.store.UpdateJobStatus(ctx, job.ID, JobStatusQueued, "reset after recovery"); err != nil {
			r.logger.Error("failed to reset interrupted job", "job_id", job.ID, "error", err)
			continue
		}
		job.Status = JobStatusQueued
	}

	for _, job := range append(queued, interrupted...) {
		if job.Status != JobStatusQueued {
			continue
		}
		if err := r.queue.Enqueue(job); err != nil {
			r.logger.Error("failed to requeue job", "job_id", job.ID, "kind", job.Kind, "error", err)
		}
	}
	return nil
}

// Abort sets the job's abort flag and cancels it if it is running.
// A queued job is skipped when a worker picks it up.
func (r *Runner) Abort(ctx context.Context, id uuid.UUID) error {
	if err := r.store.MarkAborted(ctx, id); err != nil {
		return err
	}

	r.mu.Lock()
	cancel, ok := r.running[id]
	r.mu.Unlock()
	if ok {
		cancel(ErrAborted)
	}
	r.logger.Info("job abort requested", "job_id", id, "running", ok)
	return nil
}

// QueueSizes returns the number of queued jobs per registered kind.
func (r *Runner) QueueSizes(ctx context.Context) (map[string]int, error) {
	counts, err := r.store.CountQueued(ctx)
	if err != nil {
		return nil, err
	}
	sizes := make(map[string]int, len(r.handlers))
	for kind := range r.handlers {
		sizes[kind] = counts[kind]
	}
	return sizes, nil
}

// worker processes jobs from the queue
func (r *Runner) worker(id int) {
	defer r.wg.Done()

	r.logger.Debug("starting worker", "worker_id", id)
	for {
		select {
		case <-r.ctx.Done():
			r.logger.Debug("stopping worker", "worker_id", id)
			return

		case job, ok := <-r.queue.Channel():
			if !ok {
				return
			}
			r.processJob(job, id)
		}
	}
}

// processJob handles execution of a single job
func (r *Runner) processJob(job *Job, workerID int) {
	ctx := context.Background()
	logger := r.logger.With("job_id", job.ID, "kind", job.Kind, "worker_id", workerID)

	// Register before reading the abort flag so an Abort racing with the
	// read either sees the job in running or set the flag before the read.
	jobCtx, cancel := context.WithCancelCause(r.ctx)
	jobCtx, cancelTimeout := context.WithTimeoutCause(jobCtx, r.config.TimeLimit, ErrTimeLimitExceeded)
	r.mu.Lock()
	r.running[job.ID] = cancel
	r.mu.Unlock()
	defer func() {
		cancelTimeout()
		cancel(nil)
		r.mu.Lock()
		delete(r.running, job.ID)
		r.mu.Unlock()
	}()

	aborted, err := r.store.IsAborted(ctx, job.ID)
	if err != nil {
		logger.Error("failed to read abort flag", "error", err)
	}
	if aborted || errors.Is(context.Cause(jobCtx), ErrAborted) {
		logger.Info("skipping aborted job")
		r.setStatus(ctx, logger, job, JobStatusAborted, ErrAborted.Error())
		return
	}

	if r.ctx.Err() != nil {
		// Shutting down: leave the job queued for the next process.
		return
	}

	handler, ok := r.handlers[job.Kind]
	if !ok {
		r.setStatus(ctx, logger, job, JobStatusFailed, ErrUnknownKind.Error())
		return
	}

	r.setStatus(ctx, logger, job, JobStatusRunning, "")
	logger.Info("processing job")

	start := time.Now()
	res := handler.Execute(jobCtx, &Execution{Job: job})

	logger = logger.With("duration_ms", time.Since(start).Milliseconds())
	switch {
	case res.Err == nil:
		logger.Info("job completed successfully")
		r.setStatus(ctx, logger, job, JobStatusSucceeded, "")
	case errors.Is(res.Err, ErrAborted):
		logger.Info("job aborted")
		r.setStatus(ctx, logger, job, JobStatusAborted, res.Err.Error())
	case errors.Is(res.Err, ErrShutdown):
		logger.Info("job interrupted by shutdown")
		r.setStatus(ctx, logger, job, JobStatusQueued, "interrupted by shutdown")
	default:
		logger.Error("job execution failed", "error", res.Err)
		r.setStatus(ctx, logger, job, JobStatusFailed, res.Err.Error())
	}
}

func (r *Runner) setStatus(ctx context.Context, logger *slog.Logger, job *Job, status JobStatus, msg string) {
	job.Status = status
	job.Error = msg
	if err := r.store.UpdateJobStatus(ctx, job.ID, status, msg); err != nil {
		logger.Error("failed to update job status", "status", status, "error", err)
	}
}

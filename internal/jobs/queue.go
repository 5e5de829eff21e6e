package jobs

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Common errors returned by the JobQueue
var (
	ErrQueueClosed = errors.New("job queue is closed")
	ErrQueueFull   = errors.New("job queue is full")
)

// JobQueue is the in-memory buffer between Submit and the workers. The
// JobStore remains the source of truth; the queue only orders delivery.
type JobQueue struct {
	mu     sync.RWMutex
	jobs   chan *Job
	logger *slog.Logger
	closed bool
}

// NewJobQueue creates a queue holding up to size jobs.
func NewJobQueue(size int, logger *slog.Logger) *JobQueue {
	return &JobQueue{
		jobs:   make(chan *Job, size),
		logger: logger,
	}
}

// Enqueue adds a job without blocking.
// Returns ErrQueueFull or ErrQueueClosed when the job cannot be accepted.
func (q *JobQueue) Enqueue(job *Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.jobs <- job:
		q.logger.Debug("job enqueued",
			"job_id", job.ID,
			"kind", job.Kind,
			"queue_len", len(q.jobs),
			"queue_cap", cap(q.jobs))
		return nil
	default:
		return fmt.Errorf("%w: queue capacity %d reached", ErrQueueFull, cap(q.jobs))
	}
}

// Close prevents further submissions. Jobs already buffered can still be drained.
func (q *JobQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.jobs)
		q.logger.Info("job queue closed")
	}
}

// Len returns the number of buffered jobs.
func (q *JobQueue) Len() int {
	return len(q.jobs)
}

// Channel returns the receive side for workers.
func (q *JobQueue) Channel() <-chan *Job {
	return q.jobs
}

package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/discover-tasks/internal/domain"
)

// JobStatus represents the Executor-side state of a job
type JobStatus string

// Possible job status values
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusAborted   JobStatus = "aborted"
)

// Errors describing why a job stopped early
var (
	// ErrAborted is the cancellation cause of a job stopped by an abort request.
	ErrAborted = errors.New("job aborted")
	// ErrTimeLimitExceeded is the cancellation cause of a job that ran past its hard limit.
	ErrTimeLimitExceeded = errors.New("time limit exceeded")
	// ErrShutdown is the cancellation cause of jobs interrupted by process shutdown.
	ErrShutdown = errors.New("executor shutting down")
	// ErrUnknownKind is returned when no handler is registered for a job kind.
	ErrUnknownKind = errors.New("unknown job kind")
)

// Job is one unit of work accepted by the Executor. Its ID is the tracking id
// returned to the Requester.
type Job struct {
	ID           uuid.UUID       `json:"id"`
	Kind         string          `json:"kind"`
	ExperimentID string          `json:"experiment_id"`
	NotifyURL    string          `json:"-"`
	DatasetID    string          `json:"dataset_id,omitempty"`
	DatasetURL   string          `json:"dataset_url,omitempty"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`
	Status       JobStatus       `json:"status"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// NewJob builds a queued job from a start request.
func NewJob(kind string, req domain.StartRequest) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:           uuid.New(),
		Kind:         kind,
		ExperimentID: req.ExperimentID,
		NotifyURL:    req.NotifyURL,
		DatasetID:    req.DatasetID,
		DatasetURL:   req.DatasetURL,
		Parameters:   req.Parameters,
		Status:       JobStatusQueued,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// JobStore defines the interface for persisting jobs so that they survive restarts
type JobStore interface {
	// SaveJob persists a new job.
	SaveJob(ctx context.Context, job *Job) error

	// UpdateJobStatus updates the status of a job.
	// Returns store.ErrJobNotFound if the job does not exist.
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status JobStatus, errorMsg string) error

	// GetJob retrieves a job by id.
	GetJob(ctx context.Context, id uuid.UUID) (*Job, error)

	// ListJobsByStatus returns jobs in status, oldest first.
	ListJobsByStatus(ctx context.Context, status JobStatus) ([]*Job, error)

	// MarkAborted sets the persistent abort flag of a job.
	// Returns store.ErrJobNotFound if the job does not exist.
	MarkAborted(ctx context.Context, id uuid.UUID) error

	// IsAborted reports whether the abort flag is set.
	IsAborted(ctx context.Context, id uuid.UUID) (bool, error)

	// CountQueued returns the number of queued jobs per kind.
	CountQueued(ctx context.Context) (map[string]int, error)

	// DeleteJob removes a job record.
	DeleteJob(ctx context.Context, id uuid.UUID) error
}

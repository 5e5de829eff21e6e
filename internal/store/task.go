package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/discover-tasks/internal/domain"
)

// TaskStore defines the interface for Requester Task persistence.
type TaskStore interface {
	// CreateTask saves a new Task.
	// Returns ErrDuplicate if a Task with the same id already exists.
	CreateTask(ctx context.Context, task *domain.Task) error

	// GetTask retrieves a Task by id.
	// Returns ErrTaskNotFound if the Task does not exist.
	GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// UpdateTask persists status, tracking id, output, error and updated_at.
	// The write only applies while the stored row is unfinished; when the row
	// is already finished it returns domain.ErrTaskFinished, so a terminal
	// status can never be overwritten even by a concurrent writer.
	UpdateTask(ctx context.Context, task *domain.Task) error

	// ListUnfinishedTasks returns unfinished Tasks last updated before cutoff.
	ListUnfinishedTasks(ctx context.Context, updatedBefore time.Time) ([]*domain.Task, error)

	// ListTasksRequestedBefore returns Tasks requested before cutoff.
	ListTasksRequestedBefore(ctx context.Context, cutoff time.Time) ([]*domain.Task, error)

	// ListPipelineTasks returns the stage Tasks of a Pipeline in request order.
	ListPipelineTasks(ctx context.Context, pipelineID uuid.UUID) ([]*domain.Task, error)

	// CountTasks returns the number of Tasks of the given kind.
	CountTasks(ctx context.Context, kind string) (int, error)

	// DeleteTask removes a Task.
	// Returns ErrTaskNotFound if the Task does not exist.
	DeleteTask(ctx context.Context, id uuid.UUID) error

	// WithTx returns a TaskStore that runs its queries on tx.
	WithTx(tx *sql.Tx) TaskStore
}

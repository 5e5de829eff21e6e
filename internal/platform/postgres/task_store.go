package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/discover-tasks/internal/domain"
	"github.com/phrazzld/discover-tasks/internal/platform/logger"
	"github.com/phrazzld/discover-tasks/internal/store"
)

const taskColumns = `id, kind, name, status, is_finished, tracking_id, requested_by, requested_on,
	updated_at, parameters, output, error_message, dataset_id, pipeline_id, stage`

// PostgresTaskStore implements store.TaskStore using PostgreSQL.
type PostgresTaskStore struct {
	db     store.DBTX
	logger *slog.Logger
}

var _ store.TaskStore = (*PostgresTaskStore)(nil)

// NewPostgresTaskStore creates a new PostgresTaskStore.
func NewPostgresTaskStore(db store.DBTX, logger *slog.Logger) *PostgresTaskStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresTaskStore{db: db, logger: logger.With(slog.String("component", "task_store"))}
}

// WithTx returns a store bound to tx.
func (s *PostgresTaskStore) WithTx(tx *sql.Tx) store.TaskStore {
	return &PostgresTaskStore{db: tx, logger: s.logger}
}

// CreateTask inserts a new Task.
func (s *PostgresTaskStore) CreateTask(ctx context.Context, task *domain.Task) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := task.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	query := `
		INSERT INTO tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err := s.db.ExecContext(ctx, query,
		task.ID,
		task.Kind,
		task.Name,
		string(task.Status),
		task.IsFinished,
		nullableString(task.TrackingID),
		task.RequestedBy,
		task.RequestedOn,
		task.UpdatedAt,
		[]byte(task.Parameters),
		nullableJSON(task.Output),
		task.Error,
		uuidPtrToNull(task.DatasetID),
		uuidPtrToNull(task.PipelineID),
		task.Stage,
	)
	if err != nil {
		log.Error("failed to create task", "task_id", task.ID, "kind", task.Kind, "error", err)
		return MapError(err)
	}
	return nil
}

// GetTask retrieves a Task by id.
func (s *PostgresTaskStore) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	task, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrTaskNotFound
		}
		return nil, MapError(err)
	}
	return task, nil
}

// UpdateTask writes the mutable Task fields while the stored row is unfinished.
func (s *PostgresTaskStore) UpdateTask(ctx context.Context, task *domain.Task) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		UPDATE tasks
		SET status = $2, is_finished = $3, tracking_id = $4, output = $5,
			error_message = $6, updated_at = $7
		WHERE id = $1 AND NOT is_finished
	`
	result, err := s.db.ExecContext(ctx, query,
		task.ID,
		string(task.Status),
		task.IsFinished,
		nullableString(task.TrackingID),
		nullableJSON(task.Output),
		task.Error,
		task.UpdatedAt,
	)
	if err != nil {
		log.Error("failed to update task", "task_id", task.ID, "status", task.Status, "error", err)
		return MapError(err)
	}

	if err := CheckRowsAffected(result, store.ErrTaskNotFound); err == nil {
		return nil
	}

	// No row changed: either the task is gone or another writer finished it first.
	var finished bool
	err = s.db.QueryRowContext(ctx, `SELECT is_finished FROM tasks WHERE id = $1`, task.ID).Scan(&finished)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrTaskNotFound
	}
	if err != nil {
		return MapError(err)
	}
	return domain.ErrTaskFinished
}

// ListUnfinishedTasks returns unfinished Tasks last updated before the cutoff.
func (s *PostgresTaskStore) ListUnfinishedTasks(ctx context.Context, updatedBefore time.Time) ([]*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE NOT is_finished AND updated_at < $1
		ORDER BY updated_at ASC`
	return s.queryTasks(ctx, query, updatedBefore)
}

// ListTasksRequestedBefore returns Tasks requested before cutoff.
func (s *PostgresTaskStore) ListTasksRequestedBefore(ctx context.Context, cutoff time.Time) ([]*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE requested_on < $1
		ORDER BY requested_on ASC`
	return s.queryTasks(ctx, query, cutoff)
}

// ListPipelineTasks returns the stage Tasks of a Pipeline.
func (s *PostgresTaskStore) ListPipelineTasks(ctx context.Context, pipelineID uuid.UUID) ([]*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE pipeline_id = $1
		ORDER BY requested_on ASC`
	return s.queryTasks(ctx, query, pipelineID)
}

// CountTasks counts Tasks of a kind.
func (s *PostgresTaskStore) CountTasks(ctx context.Context, kind string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE kind = $1`, kind).Scan(&n); err != nil {
		return 0, MapError(err)
	}
	return n, nil
}

// DeleteTask removes a Task.
func (s *PostgresTaskStore) DeleteTask(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return MapError(err)
	}
	return CheckRowsAffected(result, store.ErrTaskNotFound)
}

func (s *PostgresTaskStore) queryTasks(ctx context.Context, query string, args ...any) ([]*domain.Task, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		log.Error("failed to query tasks", "error", err)
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, MapError(err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return tasks, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var (
		task       domain.Task
		status     string
		trackingID sql.NullString
		params     []byte
		output     []byte
		datasetID  uuid.NullUUID
		pipelineID uuid.NullUUID
	)
	err := row.Scan(
		&task.ID,
		&task.Kind,
		&task.Name,
		&status,
		&task.IsFinished,
		&trackingID,
		&task.RequestedBy,
		&task.RequestedOn,
		&task.UpdatedAt,
		&params,
		&output,
		&task.Error,
		&datasetID,
		&pipelineID,
		&task.Stage,
	)
	if err != nil {
		return nil, err
	}
	task.Status = domain.TaskStatus(status)
	task.TrackingID = trackingID.String
	task.Parameters = params
	task.Output = output
	task.DatasetID = nullToUUIDPtr(datasetID)
	task.PipelineID = nullToUUIDPtr(pipelineID)
	return &task, nil
}

func uuidPtrToNull(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func nullToUUIDPtr(id uuid.NullUUID) *uuid.UUID {
	if !id.Valid {
		return nil
	}
	v := id.UUID
	return &v
}

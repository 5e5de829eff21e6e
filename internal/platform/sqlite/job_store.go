package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/discover-tasks/internal/jobs"
	"github.com/phrazzld/discover-tasks/internal/store"
)

// JobStore implements jobs.JobStore on SQLite.
type JobStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ jobs.JobStore = (*JobStore)(nil)

// NewJobStore creates a JobStore.
func NewJobStore(db *sql.DB, logger *slog.Logger) *JobStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobStore{db: db, logger: logger.With("component", "job_store")}
}

const jobColumns = `id, kind, experiment_id, notify_url, dataset_id, dataset_url,
	parameters, status, error_message, created_at, updated_at`

// SaveJob inserts a new job.
func (s *JobStore) SaveJob(ctx context.Context, job *jobs.Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID.String(), job.Kind, job.ExperimentID, job.NotifyURL, job.DatasetID, job.DatasetURL,
		[]byte(job.Parameters), string(job.Status), job.Error,
		job.CreatedAt.UnixNano(), job.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// UpdateJobStatus sets status and error message.
func (s *JobStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status jobs.JobStatus, errorMsg string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		string(status), errorMsg, time.Now().UTC().UnixNano(), id.String())
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	return checkAffected(result, store.ErrJobNotFound)
}

// GetJob retrieves a job by id.
func (s *JobStore) GetJob(ctx context.Context, id uuid.UUID) (*jobs.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id.String())
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrJobNotFound
	}
	return job, err
}

// ListJobsByStatus returns jobs in status, oldest first.
func (s *JobStore) ListJobsByStatus(ctx context.Context, status jobs.JobStatus) ([]*jobs.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*jobs.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// MarkAborted sets the abort flag.
func (s *JobStore) MarkAborted(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET aborted = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC().UnixNano(), id.String())
	if err != nil {
		return fmt.Errorf("failed to mark job aborted: %w", err)
	}
	return checkAffected(result, store.ErrJobNotFound)
}

// IsAborted reports the abort flag.
func (s *JobStore) IsAborted(ctx context.Context, id uuid.UUID) (bool, error) {
	var aborted int
	err := s.db.QueryRowContext(ctx, `SELECT aborted FROM jobs WHERE id = ?`, id.String()).Scan(&aborted)
	if errors.Is(err, sql.ErrNoRows) {
		return false, store.ErrJobNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to read abort flag: %w", err)
	}
	return aborted != 0, nil
}

// CountQueued returns queued job counts per kind.
func (s *JobStore) CountQueued(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, COUNT(*) FROM jobs WHERE status = ? GROUP BY kind`, string(jobs.JobStatusQueued))
	if err != nil {
		return nil, fmt.Errorf("failed to count queued jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		counts[kind] = n
	}
	return counts, rows.Err()
}

// DeleteJob removes a job and its Job Logger snapshot.
func (s *JobStore) DeleteJob(ctx context.Context, id uuid.UUID) error {
	return store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM job_states WHERE job_id = ?`, id.String()); err != nil {
			return fmt.Errorf("failed to delete job state: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id.String()); err != nil {
			return fmt.Errorf("failed to delete job: %w", err)
		}
		return nil
	})
}

// DeleteFinishedBefore removes finished job records last updated before cutoff.
func (s *JobStore) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN (?, ?, ?) AND updated_at < ?`,
		string(jobs.JobStatusSucceeded), string(jobs.JobStatusFailed), string(jobs.JobStatusAborted),
		cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to delete finished jobs: %w", err)
	}
	n, err := result.RowsAffected()
	return int(n), err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*jobs.Job, error) {
	var (
		job                  jobs.Job
		id, status           string
		params               []byte
		createdAt, updatedAt int64
	)
	err := row.Scan(&id, &job.Kind, &job.ExperimentID, &job.NotifyURL, &job.DatasetID, &job.DatasetURL,
		&params, &status, &job.Error, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if job.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("corrupt job id %q: %w", id, err)
	}
	if len(params) > 0 {
		job.Parameters = params
	}
	job.Status = jobs.JobStatus(status)
	job.CreatedAt = time.Unix(0, createdAt).UTC()
	job.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &job, nil
}

func checkAffected(result sql.Result, notFound error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/discover-tasks/internal/domain"
	"github.com/phrazzld/discover-tasks/internal/platform/logger"
	"github.com/phrazzld/discover-tasks/internal/store"
)

const pipelineColumns = `id, kind, name, status, is_finished, requested_by, requested_on,
	updated_at, dataset_id, parameters`

// PostgresPipelineStore implements store.PipelineStore using PostgreSQL.
type PostgresPipelineStore struct {
	db     store.DBTX
	logger *slog.Logger
}

var _ store.PipelineStore = (*PostgresPipelineStore)(nil)

// NewPostgresPipelineStore creates a new PostgresPipelineStore.
func NewPostgresPipelineStore(db store.DBTX, logger *slog.Logger) *PostgresPipelineStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresPipelineStore{db: db, logger: logger.With(slog.String("component", "pipeline_store"))}
}

// WithTx returns a store bound to tx.
func (s *PostgresPipelineStore) WithTx(tx *sql.Tx) store.PipelineStore {
	return &PostgresPipelineStore{db: tx, logger: s.logger}
}

// CreatePipeline inserts a new Pipeline.
func (s *PostgresPipelineStore) CreatePipeline(ctx context.Context, p *domain.Pipeline) error {
	query := `INSERT INTO pipelines (` + pipelineColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.Kind, p.Name, string(p.Status), p.IsFinished, p.RequestedBy,
		p.RequestedOn, p.UpdatedAt, uuidPtrToNull(p.DatasetID), []byte(p.Parameters),
	)
	if err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to create pipeline",
			"pipeline_id", p.ID, "error", err)
		return MapError(err)
	}
	return nil
}

// GetPipeline retrieves a Pipeline by id.
func (s *PostgresPipelineStore) GetPipeline(ctx context.Context, id uuid.UUID) (*domain.Pipeline, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pipelineColumns+` FROM pipelines WHERE id = $1`, id)
	p, err := scanPipeline(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrPipelineNotFound
	}
	if err != nil {
		return nil, MapError(err)
	}
	return p, nil
}

// UpdatePipeline writes status while the stored row is unfinished.
func (s *PostgresPipelineStore) UpdatePipeline(ctx context.Context, p *domain.Pipeline) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE pipelines SET status = $2, is_finished = $3, updated_at = $4
		WHERE id = $1 AND NOT is_finished`,
		p.ID, string(p.Status), p.IsFinished, p.UpdatedAt,
	)
	if err != nil {
		return MapError(err)
	}
	if err := CheckRowsAffected(result, store.ErrPipelineNotFound); err == nil {
		return nil
	}

	var finished bool
	err = s.db.QueryRowContext(ctx, `SELECT is_finished FROM pipelines WHERE id = $1`, p.ID).Scan(&finished)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrPipelineNotFound
	}
	if err != nil {
		return MapError(err)
	}
	return domain.ErrPipelineFinished
}

// ListUnfinishedPipelines returns Pipelines that are not finished, oldest first.
func (s *PostgresPipelineStore) ListUnfinishedPipelines(ctx context.Context) ([]*domain.Pipeline, error) {
	return s.queryPipelines(ctx,
		`SELECT `+pipelineColumns+` FROM pipelines WHERE is_finished = FALSE ORDER BY requested_on ASC`)
}

// ListPipelinesRequestedBefore returns Pipelines requested before cutoff.
func (s *PostgresPipelineStore) ListPipelinesRequestedBefore(ctx context.Context, cutoff time.Time) ([]*domain.Pipeline, error) {
	return s.queryPipelines(ctx,
		`SELECT `+pipelineColumns+` FROM pipelines WHERE requested_on < $1 ORDER BY requested_on ASC`, cutoff)
}

func (s *PostgresPipelineStore) queryPipelines(ctx context.Context, query string, args ...any) ([]*domain.Pipeline, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var pipelines []*domain.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, MapError(err)
		}
		pipelines = append(pipelines, p)
	}
	return pipelines, MapError(rows.Err())
}

// DeletePipeline removes a Pipeline.
func (s *PostgresPipelineStore) DeletePipeline(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM pipelines WHERE id = $1`, id)
	if err != nil {
		return MapError(err)
	}
	return CheckRowsAffected(result, store.ErrPipelineNotFound)
}

func scanPipeline(row rowScanner) (*domain.Pipeline, error) {
	var (
		p         domain.Pipeline
		status    string
		datasetID uuid.NullUUID
		params    []byte
	)
	err := row.Scan(&p.ID, &p.Kind, &p.Name, &status, &p.IsFinished, &p.RequestedBy,
		&p.RequestedOn, &p.UpdatedAt, &datasetID, &params)
	if err != nil {
		return nil, err
	}
	p.Status = domain.PipelineStatus(status)
	p.DatasetID = nullToUUIDPtr(datasetID)
	p.Parameters = params
	return &p, nil
}

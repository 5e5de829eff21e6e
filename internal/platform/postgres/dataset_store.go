package postgres

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/discover-tasks/internal/domain"
	"github.com/phrazzld/discover-tasks/internal/store"
)

// PostgresDatasetStore implements store.DatasetStore using PostgreSQL.
type PostgresDatasetStore struct {
	db     store.DBTX
	logger *slog.Logger
}

var _ store.DatasetStore = (*PostgresDatasetStore)(nil)

// NewPostgresDatasetStore creates a new PostgresDatasetStore.
func NewPostgresDatasetStore(db store.DBTX, logger *slog.Logger) *PostgresDatasetStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresDatasetStore{db: db, logger: logger.With(slog.String("component", "dataset_store"))}
}

// CreateDataset inserts a Dataset.
func (s *PostgresDatasetStore) CreateDataset(ctx context.Context, d *domain.Dataset) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO datasets (id, name, source_url, archive_path, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		d.ID, d.Name, d.SourceURL, d.ArchivePath, d.CreatedAt)
	return MapError(err)
}

// GetDataset retrieves a Dataset by id.
func (s *PostgresDatasetStore) GetDataset(ctx context.Context, id uuid.UUID) (*domain.Dataset, error) {
	var d domain.Dataset
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, source_url, archive_path, created_at FROM datasets WHERE id = $1`, id).
		Scan(&d.ID, &d.Name, &d.SourceURL, &d.ArchivePath, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrDatasetNotFound
	}
	if err != nil {
		return nil, MapError(err)
	}
	return &d, nil
}

// ListUnreferencedDatasets returns Datasets older than cutoff that no recent Task uses.
func (s *PostgresDatasetStore) ListUnreferencedDatasets(ctx context.Context, cutoff time.Time) ([]*domain.Dataset, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.name, d.source_url, d.archive_path, d.created_at
		FROM datasets d
		WHERE d.created_at < $1
		  AND NOT EXISTS (
			SELECT 1 FROM tasks t WHERE t.dataset_id = d.id AND t.requested_on >= $1
		  )
		ORDER BY d.created_at ASC`, cutoff)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var datasets []*domain.Dataset
	for rows.Next() {
		var d domain.Dataset
		if err := rows.Scan(&d.ID, &d.Name, &d.SourceURL, &d.ArchivePath, &d.CreatedAt); err != nil {
			return nil, MapError(err)
		}
		datasets = append(datasets, &d)
	}
	return datasets, MapError(rows.Err())
}

// CountDatasets counts stored Datasets.
func (s *PostgresDatasetStore) CountDatasets(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM datasets`).Scan(&n); err != nil {
		return 0, MapError(err)
	}
	return n, nil
}

// DeleteDataset removes a Dataset.
func (s *PostgresDatasetStore) DeleteDataset(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM datasets WHERE id = $1`, id)
	if err != nil {
		return MapError(err)
	}
	return CheckRowsAffected(result, store.ErrDatasetNotFound)
}

package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/discover-tasks/internal/domain"
)

// DatasetStore defines the interface for Dataset persistence.
type DatasetStore interface {
	// CreateDataset saves a new Dataset.
	CreateDataset(ctx context.Context, d *domain.Dataset) error

	// GetDataset retrieves a Dataset by id.
	// Returns ErrDatasetNotFound if it does not exist.
	GetDataset(ctx context.Context, id uuid.UUID) (*domain.Dataset, error)

	// ListUnreferencedDatasets returns Datasets created before cutoff that no
	// Task requested at or after cutoff still references.
	ListUnreferencedDatasets(ctx context.Context, cutoff time.Time) ([]*domain.Dataset, error)

	// CountDatasets returns the number of stored Datasets.
	CountDatasets(ctx context.Context) (int, error)

	// DeleteDataset removes a Dataset.
	DeleteDataset(ctx context.Context, id uuid.UUID) error
}

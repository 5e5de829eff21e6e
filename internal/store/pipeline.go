package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/discover-tasks/internal/domain"
)

// PipelineStore defines the interface for Pipeline persistence.
type PipelineStore interface {
	// CreatePipeline saves a new Pipeline.
	CreatePipeline(ctx context.Context, p *domain.Pipeline) error

	// GetPipeline retrieves a Pipeline by id.
	// Returns ErrPipelineNotFound if it does not exist.
	GetPipeline(ctx context.Context, id uuid.UUID) (*domain.Pipeline, error)

	// UpdatePipeline persists status and updated_at while the stored row is
	// unfinished; otherwise it returns domain.ErrPipelineFinished.
	UpdatePipeline(ctx context.Context, p *domain.Pipeline) error

	// ListUnfinishedPipelines returns every Pipeline that is not finished,
	// oldest first.
	ListUnfinishedPipelines(ctx context.Context) ([]*domain.Pipeline, error)

	// ListPipelinesRequestedBefore returns Pipelines requested before cutoff.
	ListPipelinesRequestedBefore(ctx context.Context, cutoff time.Time) ([]*domain.Pipeline, error)

	// DeletePipeline removes a Pipeline. Stage Tasks keep existing with a
	// cleared pipeline reference.
	DeletePipeline(ctx context.Context, id uuid.UUID) error

	// WithTx returns a PipelineStore that runs its queries on tx.
	WithTx(tx *sql.Tx) PipelineStore
}

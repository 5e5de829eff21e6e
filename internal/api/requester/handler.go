// Package requester exposes the Requester's HTTP API: Task and Pipeline
// management for the web UI, dataset hosting for the Executor, the
// notification webhook and the admin monitor and clear endpoints.
package requester

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/phrazzld/discover-tasks/internal/api/shared"
	"github.com/phrazzld/discover-tasks/internal/domain"
	"github.com/phrazzld/discover-tasks/internal/pipeline"
	"github.com/phrazzld/discover-tasks/internal/retention"
	"github.com/phrazzld/discover-tasks/internal/store"
	"github.com/phrazzld/discover-tasks/internal/tasking"
)

// TaskService is the part of tasking.Service the API drives.
type TaskService interface {
	SubmitTask(ctx context.Context, p tasking.CreateParams) (*domain.Task, error)
	GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	CancelTask(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	GetProgress(ctx context.Context, id uuid.UUID) (*domain.Progress, error)
	FullLog(ctx context.Context, id uuid.UUID) (string, error)
	ReceiveNotification(ctx context.Context, id uuid.UUID, n domain.Notification) error
	VerifyToken(id uuid.UUID, tok string) bool
	Artifacts() tasking.Artifacts
}

// PipelineService is the part of pipeline.Orchestrator the API drives.
type PipelineService interface {
	CreatePipeline(ctx context.Context, p pipeline.CreateParams) (*domain.Pipeline, error)
	GetPipeline(ctx context.Context, id uuid.UUID) (*domain.Pipeline, error)
	CancelPipeline(ctx context.Context, id uuid.UUID) (*domain.Pipeline, error)
	GetProgress(ctx context.Context, id uuid.UUID) (*pipeline.Progress, error)
	FullLog(ctx context.Context, id uuid.UUID) (string, error)
}

// ExecutorAdmin reaches the Executor's monitor endpoints.
type ExecutorAdmin interface {
	Monitor(ctx context.Context, kind string) (*domain.MonitorResponse, error)
	Clear(ctx context.Context, kind string, daysBefore int) (*domain.ClearResponse, error)
}

// Sweeper runs the Requester side retention sweep.
type Sweeper interface {
	Sweep(ctx context.Context, kind string, days int) (*retention.RequesterReport, error)
}

// Deps are the collaborators of a Handler.
type Deps struct {
	Tasks     TaskService
	Pipelines PipelineService
	TaskStore store.TaskStore
	Datasets  store.DatasetStore
	Executor  ExecutorAdmin
	Sweeper   Sweeper
}

// Handler serves the Requester API.
type Handler struct {
	tasks     TaskService
	pipelines PipelineService
	taskStore store.TaskStore
	datasets  store.DatasetStore
	executor  ExecutorAdmin
	sweeper   Sweeper
	logger    *slog.Logger
}

// NewHandler creates a Handler.
// It returns an error if any dependency is nil.
func NewHandler(deps Deps, logger *slog.Logger) (*Handler, error) {
	switch {
	case deps.Tasks == nil:
		return nil, errors.New("task service cannot be nil")
	case deps.Pipelines == nil:
		return nil, errors.New("pipeline service cannot be nil")
	case deps.TaskStore == nil:
		return nil, errors.New("task store cannot be nil")
	case deps.Datasets == nil:
		return nil, errors.New("dataset store cannot be nil")
	case deps.Executor == nil:
		return nil, errors.New("executor client cannot be nil")
	case deps.Sweeper == nil:
		return nil, errors.New("sweeper cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		tasks:     deps.Tasks,
		pipelines: deps.Pipelines,
		taskStore: deps.TaskStore,
		datasets:  deps.Datasets,
		executor:  deps.Executor,
		sweeper:   deps.Sweeper,
		logger:    logger.With("component", "requester_api"),
	}, nil
}

// Routes mounts the Requester endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.health)

	r.Post("/{kind}/{id}/watch", h.watch)
	r.Get("/datasets/{id}/archive", h.datasetArchive)

	r.Route("/api", func(r chi.Router) {
		r.Post("/datasets", h.createDataset)
		r.Post("/datasets/upload", h.uploadDataset)
		r.Get("/datasets/{id}", h.getDataset)

		// {pipeline} is the pipeline kind on create and its id everywhere else.
		r.Route("/pipelines/{pipeline}", func(r chi.Router) {
			r.Post("/", h.createPipeline)
			r.Get("/", h.getPipeline)
			r.Get("/progress", h.pipelineProgress)
			r.Get("/log", h.pipelineLog)
			r.Post("/cancel", h.cancelPipeline)
		})

		r.Route("/{kind}", func(r chi.Router) {
			r.Post("/tasks", h.createTask)
			r.Get("/tasks/{id}", h.getTask)
			r.Get("/tasks/{id}/progress", h.taskProgress)
			r.Get("/tasks/{id}/log", h.taskLog)
			r.Post("/tasks/{id}/cancel", h.cancelTask)
			r.Get("/monitor", h.monitor)
			r.Post("/monitor/clear", h.clear)
		})
	})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	shared.RespondWithText(w, r, http.StatusOK, "OK")
}

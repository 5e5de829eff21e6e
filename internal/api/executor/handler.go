// Package executor exposes the Executor's HTTP API: job start, cancel and
// status for the Requester, result downloads, and the monitor and clear
// endpoints used by operators.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/phrazzld/discover-tasks/internal/actors"
	"github.com/phrazzld/discover-tasks/internal/api"
	"github.com/phrazzld/discover-tasks/internal/api/shared"
	"github.com/phrazzld/discover-tasks/internal/domain"
	"github.com/phrazzld/discover-tasks/internal/joblog"
	"github.com/phrazzld/discover-tasks/internal/jobs"
	"github.com/phrazzld/discover-tasks/internal/retention"
	"github.com/phrazzld/discover-tasks/internal/store"
)

// Runner is the part of jobs.Runner the API drives.
type Runner interface {
	Submit(ctx context.Context, job *jobs.Job) error
	Abort(ctx context.Context, id uuid.UUID) error
	QueueSizes(ctx context.Context) (map[string]int, error)
}

// JobReader reads the Executor's job records.
type JobReader interface {
	GetJob(ctx context.Context, id uuid.UUID) (*jobs.Job, error)
}

// StateReader reads Job Logger snapshots.
type StateReader interface {
	GetState(ctx context.Context, jobID string) (*joblog.State, error)
}

// Sweeper runs the Executor side retention sweeps.
type Sweeper interface {
	Sweep(ctx context.Context, kind string, days int) (*domain.ClearResponse, error)
	ClearJob(ctx context.Context, kind, trackingID string) (*domain.ClearResponse, error)
}

// Handler serves the Executor API.
type Handler struct {
	runner    Runner
	jobs      JobReader
	states    StateReader
	sweeper   Sweeper
	workspace actors.Workspace
	logger    *slog.Logger
}

// NewHandler creates a Handler.
// It returns an error if any dependency is nil.
func NewHandler(runner Runner, jobRecords JobReader, states StateReader, sweeper Sweeper,
	ws actors.Workspace, logger *slog.Logger) (*Handler, error) {
	switch {
	case runner == nil:
		return nil, errors.New("runner cannot be nil")
	case jobRecords == nil:
		return nil, errors.New("job store cannot be nil")
	case states == nil:
		return nil, errors.New("state store cannot be nil")
	case sweeper == nil:
		return nil, errors.New("sweeper cannot be nil")
	case ws.Root == "":
		return nil, errors.New("workspace root cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		runner:    runner,
		jobs:      jobRecords,
		states:    states,
		sweeper:   sweeper,
		workspace: ws,
		logger:    logger.With("component", "executor_api"),
	}, nil
}

// Routes mounts the Executor endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.health)

	r.Route("/{kind}", func(r chi.Router) {
		r.Post("/start", h.start)
		r.Get("/monitor", h.monitor)
		r.Post("/monitor/clear", h.clear)
		r.Post("/monitor/clear/{tracking_id}", h.clearJob)
		r.Post("/{tracking_id}/cancel", h.cancel)
		r.Get("/{tracking_id}/status", h.status)
		r.Get("/{tracking_id}/result", h.result)
	})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	shared.RespondWithText(w, r, http.StatusOK, "OK")
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request) {
	kind, ok := api.PathKind(w, r)
	if !ok {
		return
	}
	var req domain.StartRequest
	if !api.DecodeAndValidate(w, r, &req, false) {
		return
	}

	job := jobs.NewJob(kind, req)
	if err := h.runner.Submit(r.Context(), job); err != nil {
		api.HandleAPIError(w, r, err, "")
		return
	}
	h.logger.Info("job accepted", "kind", kind, "tracking_id", job.ID, "experiment_id", job.ExperimentID)
	shared.RespondWithJSON(w, r, http.StatusOK, domain.StartResponse{
		TrackingID:   job.ID.String(),
		ExperimentID: job.ExperimentID,
	})
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	job, ok := h.jobForKind(w, r)
	if !ok {
		return
	}
	if err := h.runner.Abort(r.Context(), job.ID); err != nil {
		api.HandleAPIError(w, r, err, "Failed to cancel job")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, domain.CancelResponse{TrackingID: job.ID.String()})
}

// status returns the Job Logger snapshot. The log is null while no snapshot
// exists, which the Requester reads as "result not available yet".
func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	kind, ok := api.PathKind(w, r)
	if !ok {
		return
	}
	id, ok := api.PathID(w, r, "tracking_id")
	if !ok {
		return
	}
	ctx := r.Context()
	resp := domain.StatusResponse{TrackingID: id.String(), Log: json.RawMessage("null")}

	job, err := h.jobs.GetJob(ctx, id)
	switch {
	case err == nil && job.Kind == kind:
		resp.JobStatus = string(job.Status)
	case err != nil && !errors.Is(err, store.ErrJobNotFound):
		api.HandleAPIError(w, r, err, "Failed to read job")
		return
	}

	state, err := h.states.GetState(ctx, id.String())
	switch {
	case err == nil:
		raw, err := json.Marshal(state)
		if err != nil {
			api.HandleAPIError(w, r, err, "Failed to encode job log")
			return
		}
		resp.Log = raw
	case !errors.Is(err, store.ErrStateNotFound):
		api.HandleAPIError(w, r, err, "Failed to read job log")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}

func (h *Handler) result(w http.ResponseWriter, r *http.Request) {
	kind, ok := api.PathKind(w, r)
	if !ok {
		return
	}
	id, ok := api.PathID(w, r, "tracking_id")
	if !ok {
		return
	}
	path := h.workspace.ResultPath(kind, id.String())
	if _, err := os.Stat(path); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusNotFound, "Result not found", err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	http.ServeFile(w, r, path)
}

func (h *Handler) monitor(w http.ResponseWriter, r *http.Request) {
	kind, ok := api.PathKind(w, r)
	if !ok {
		return
	}
	size, err := retention.DirSize(h.workspace.KindDir(kind))
	if err != nil {
		api.HandleAPIError(w, r, err, "Failed to measure storage")
		return
	}
	sizes, err := h.runner.QueueSizes(r.Context())
	if err != nil {
		api.HandleAPIError(w, r, err, "Failed to read queues")
		return
	}

	names := make([]string, 0, len(sizes))
	for name := range sizes {
		names = append(names, name)
	}
	sort.Strings(names)
	queues := make(map[string]domain.QueueInfo, len(names))
	for _, name := range names {
		queues[name] = domain.QueueInfo{Name: name, Size: sizes[name]}
	}
	shared.RespondWithJSON(w, r, http.StatusOK, domain.MonitorResponse{TotalSize: size, Queues: queues})
}

func (h *Handler) clear(w http.ResponseWriter, r *http.Request) {
	kind, ok := api.PathKind(w, r)
	if !ok {
		return
	}
	var req domain.ClearRequest
	if !api.DecodeAndValidate(w, r, &req, false) {
		return
	}
	resp, err := h.sweeper.Sweep(r.Context(), kind, req.DaysBefore)
	if err != nil {
		api.HandleAPIError(w, r, err, "Failed to clear old data")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}

func (h *Handler) clearJob(w http.ResponseWriter, r *http.Request) {
	kind, ok := api.PathKind(w, r)
	if !ok {
		return
	}
	resp, err := h.sweeper.ClearJob(r.Context(), kind, chi.URLParam(r, "tracking_id"))
	if err != nil {
		api.HandleAPIError(w, r, err, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}

// jobForKind loads the {tracking_id} job and checks it belongs to {kind}.
func (h *Handler) jobForKind(w http.ResponseWriter, r *http.Request) (*jobs.Job, bool) {
	kind, ok := api.PathKind(w, r)
	if !ok {
		return nil, false
	}
	id, ok := api.PathID(w, r, "tracking_id")
	if !ok {
		return nil, false
	}
	job, err := h.jobs.GetJob(r.Context(), id)
	if err == nil && job.Kind != kind {
		err = store.ErrJobNotFound
	}
	if err != nil {
		api.HandleAPIError(w, r, err, "")
		return nil, false
	}
	return job, true
}

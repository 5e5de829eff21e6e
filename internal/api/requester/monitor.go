package requester

import (
	"net/http"
	"path/filepath"

	"github.com/phrazzld/discover-tasks/internal/api"
	"github.com/phrazzld/discover-tasks/internal/api/shared"
	"github.com/phrazzld/discover-tasks/internal/domain"
	"github.com/phrazzld/discover-tasks/internal/redact"
	"github.com/phrazzld/discover-tasks/internal/retention"
)

// RequesterStats describes the Requester's own storage for a kind.
type RequesterStats struct {
	TotalSize int64 `json:"total_size"`
	NTasks    int   `json:"n_tasks"`
	NDatasets int   `json:"n_datasets"`
}

// MonitorResponse is the body of GET /api/{kind}/monitor. Executor is null
// and ExecutorError set when the Executor could not be reached.
type MonitorResponse struct {
	Executor      *domain.MonitorResponse `json:"executor"`
	ExecutorError string                  `json:"executor_error,omitempty"`
	Requester     RequesterStats          `json:"requester"`
}

// ClearResponse is the body of POST /api/{kind}/monitor/clear.
type ClearResponse struct {
	Executor      *domain.ClearResponse      `json:"executor"`
	ExecutorError string                     `json:"executor_error,omitempty"`
	Requester     *retention.RequesterReport `json:"requester"`
}

func (h *Handler) monitor(w http.ResponseWriter, r *http.Request) {
	kind, ok := api.PathKind(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	var resp MonitorResponse
	size, err := retention.DirSize(filepath.Join(h.tasks.Artifacts().Root, kind))
	if err != nil {
		api.HandleAPIError(w, r, err, "Failed to measure storage")
		return
	}
	resp.Requester.TotalSize = size
	if resp.Requester.NTasks, err = h.taskStore.CountTasks(ctx, kind); err != nil {
		api.HandleAPIError(w, r, err, "Failed to count tasks")
		return
	}
	if resp.Requester.NDatasets, err = h.datasets.CountDatasets(ctx); err != nil {
		api.HandleAPIError(w, r, err, "Failed to count datasets")
		return
	}

	resp.Executor, err = h.executor.Monitor(ctx, kind)
	if err != nil {
		h.logger.Warn("executor monitor failed", "kind", kind, "error", redact.Error(err))
		resp.ExecutorError = api.GetSafeErrorMessage(err)
	}
	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}

// clear sweeps the Executor first, then the Requester. An Executor failure
// is reported next to the Requester counts instead of aborting the sweep.
func (h *Handler) clear(w http.ResponseWriter, r *http.Request) {
	kind, ok := api.PathKind(w, r)
	if !ok {
		return
	}
	var req domain.ClearRequest
	if !api.DecodeAndValidate(w, r, &req, false) {
		return
	}
	ctx := r.Context()

	var resp ClearResponse
	var err error
	resp.Executor, err = h.executor.Clear(ctx, kind, req.DaysBefore)
	if err != nil {
		h.logger.Warn("executor clear failed", "kind", kind, "error", redact.Error(err))
		resp.ExecutorError = api.GetSafeErrorMessage(err)
	}

	resp.Requester, err = h.sweeper.Sweep(ctx, kind, req.DaysBefore)
	if err != nil {
		api.HandleAPIError(w, r, err, "Failed to clear requester data")
		return
	}
	h.logger.Info("cleared old data", "kind", kind, "days_before", req.DaysBefore,
		"tasks", resp.Requester.ClearedTasks, "datasets", resp.Requester.ClearedDatasets)
	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}

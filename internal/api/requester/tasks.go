package requester

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/phrazzld/discover-tasks/internal/api"
	"github.com/phrazzld/discover-tasks/internal/api/shared"
	"github.com/phrazzld/discover-tasks/internal/domain"
	"github.com/phrazzld/discover-tasks/internal/tasking"
)

// CreateTaskRequest is the body of POST /api/{kind}/tasks.
type CreateTaskRequest struct {
	Name        string          `json:"name" validate:"max=255"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	DatasetID   *uuid.UUID      `json:"dataset_id,omitempty"`
	RequestedBy string          `json:"requested_by,omitempty" validate:"max=255"`
}

// createTask creates a Task and dispatches it. A Task whose dispatch failed
// is still created, in ERROR, and returned with 201 so the UI can show the
// reason from its progress and log.
func (h *Handler) createTask(w http.ResponseWriter, r *http.Request) {
	kind, ok := api.PathKind(w, r)
	if !ok {
		return
	}
	var req CreateTaskRequest
	if !api.DecodeAndValidate(w, r, &req, false) {
		return
	}

	task, err := h.tasks.SubmitTask(r.Context(), tasking.CreateParams{
		Kind:        kind,
		Name:        req.Name,
		RequestedBy: req.RequestedBy,
		Parameters:  req.Parameters,
		DatasetID:   req.DatasetID,
	})
	if err != nil && !(task != nil && errors.Is(err, tasking.ErrDispatchFailed)) {
		api.HandleAPIError(w, r, err, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusCreated, task)
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	task, ok := h.taskForKind(w, r)
	if !ok {
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, task)
}

func (h *Handler) taskProgress(w http.ResponseWriter, r *http.Request) {
	task, ok := h.taskForKind(w, r)
	if !ok {
		return
	}
	progress, err := h.tasks.GetProgress(r.Context(), task.ID)
	if err != nil {
		api.HandleAPIError(w, r, err, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, progress)
}

func (h *Handler) taskLog(w http.ResponseWriter, r *http.Request) {
	task, ok := h.taskForKind(w, r)
	if !ok {
		return
	}
	log, err := h.tasks.FullLog(r.Context(), task.ID)
	if err != nil {
		api.HandleAPIError(w, r, err, "Failed to read task log")
		return
	}
	shared.RespondWithText(w, r, http.StatusOK, log)
}

func (h *Handler) cancelTask(w http.ResponseWriter, r *http.Request) {
	task, ok := h.taskForKind(w, r)
	if !ok {
		return
	}
	task, err := h.tasks.CancelTask(r.Context(), task.ID)
	if err != nil {
		api.HandleAPIError(w, r, err, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, task)
}

// taskForKind loads the {id} Task and checks it belongs to {kind}. A Task
// of another kind is reported as missing.
func (h *Handler) taskForKind(w http.ResponseWriter, r *http.Request) (*domain.Task, bool) {
	kind, ok := api.PathKind(w, r)
	if !ok {
		return nil, false
	}
	id, ok := api.PathID(w, r, "id")
	if !ok {
		return nil, false
	}
	task, err := h.tasks.GetTask(r.Context(), id)
	if err == nil && task.Kind != kind {
		err = tasking.ErrTaskNotFound
	}
	if err != nil {
		api.HandleAPIError(w, r, err, "")
		return nil, false
	}
	return task, true
}

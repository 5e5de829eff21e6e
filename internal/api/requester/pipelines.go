package requester

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/phrazzld/discover-tasks/internal/api"
	"github.com/phrazzld/discover-tasks/internal/api/shared"
	"github.com/phrazzld/discover-tasks/internal/pipeline"
)

// CreatePipelineRequest is the body of POST /api/pipelines/{kind}.
type CreatePipelineRequest struct {
	Name        string     `json:"name" validate:"max=255"`
	DatasetID   *uuid.UUID `json:"dataset_id,omitempty"`
	RequestedBy string     `json:"requested_by,omitempty" validate:"max=255"`
	// Parameters holds per stage overrides keyed by stage name.
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

func (h *Handler) createPipeline(w http.ResponseWriter, r *http.Request) {
	var req CreatePipelineRequest
	if !api.DecodeAndValidate(w, r, &req, true) {
		return
	}
	pl, err := h.pipelines.CreatePipeline(r.Context(), pipeline.CreateParams{
		Kind:        chi.URLParam(r, "pipeline"),
		Name:        req.Name,
		RequestedBy: req.RequestedBy,
		DatasetID:   req.DatasetID,
		Parameters:  req.Parameters,
	})
	if err != nil {
		api.HandleAPIError(w, r, err, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusCreated, pl)
}

func (h *Handler) getPipeline(w http.ResponseWriter, r *http.Request) {
	id, ok := api.PathID(w, r, "pipeline")
	if !ok {
		return
	}
	pl, err := h.pipelines.GetPipeline(r.Context(), id)
	if err != nil {
		api.HandleAPIError(w, r, err, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, pl)
}

func (h *Handler) pipelineProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := api.PathID(w, r, "pipeline")
	if !ok {
		return
	}
	progress, err := h.pipelines.GetProgress(r.Context(), id)
	if err != nil {
		api.HandleAPIError(w, r, err, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, progress)
}

func (h *Handler) pipelineLog(w http.ResponseWriter, r *http.Request) {
	id, ok := api.PathID(w, r, "pipeline")
	if !ok {
		return
	}
	log, err := h.pipelines.FullLog(r.Context(), id)
	if err != nil {
		api.HandleAPIError(w, r, err, "")
		return
	}
	shared.RespondWithText(w, r, http.StatusOK, log)
}

func (h *Handler) cancelPipeline(w http.ResponseWriter, r *http.Request) {
	id, ok := api.PathID(w, r, "pipeline")
	if !ok {
		return
	}
	pl, err := h.pipelines.CancelPipeline(r.Context(), id)
	if err != nil {
		api.HandleAPIError(w, r, err, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, pl)
}

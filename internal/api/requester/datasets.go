package requester

import (
	"archive/zip"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/phrazzld/discover-tasks/internal/api"
	"github.com/phrazzld/discover-tasks/internal/api/shared"
	"github.com/phrazzld/discover-tasks/internal/domain"
	"github.com/phrazzld/discover-tasks/internal/redact"
)

// MaxUploadBytes bounds an uploaded dataset archive.
const MaxUploadBytes = 2 << 30

// CreateDatasetRequest is the body of POST /api/datasets.
type CreateDatasetRequest struct {
	Name      string `json:"name" validate:"required,max=255"`
	SourceURL string `json:"source_url" validate:"required,url"`
}

func (h *Handler) createDataset(w http.ResponseWriter, r *http.Request) {
	var req CreateDatasetRequest
	if !api.DecodeAndValidate(w, r, &req, false) {
		return
	}
	d, err := domain.NewDataset(req.Name, req.SourceURL, "")
	if err != nil {
		api.HandleAPIError(w, r, err, "")
		return
	}
	if err := h.datasets.CreateDataset(r.Context(), d); err != nil {
		api.HandleAPIError(w, r, err, "Failed to save dataset")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusCreated, d)
}

// uploadDataset stores a zip body as a local dataset archive that the
// Executor later downloads from /datasets/{id}/archive.
func (h *Handler) uploadDataset(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid name: required field")
		return
	}

	id := uuid.New()
	path := h.tasks.Artifacts().DatasetArchivePath(id)
	if err := saveArchive(path, http.MaxBytesReader(w, r.Body, MaxUploadBytes)); err != nil {
		h.logger.Warn("dataset upload rejected", "dataset_id", id, "error", redact.Error(err))
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Body must be a zip archive", err)
		return
	}

	d, err := domain.NewDataset(name, "", path)
	if err == nil {
		d.ID = id
		err = h.datasets.CreateDataset(r.Context(), d)
	}
	if err != nil {
		_ = os.Remove(path)
		api.HandleAPIError(w, r, err, "Failed to save dataset")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusCreated, d)
}

func (h *Handler) getDataset(w http.ResponseWriter, r *http.Request) {
	id, ok := api.PathID(w, r, "id")
	if !ok {
		return
	}
	d, err := h.datasets.GetDataset(r.Context(), id)
	if err != nil {
		api.HandleAPIError(w, r, err, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, d)
}

// datasetArchive serves a locally stored dataset. Datasets that only have a
// source URL are fetched from there by the Executor and are not served here.
func (h *Handler) datasetArchive(w http.ResponseWriter, r *http.Request) {
	id, ok := api.PathID(w, r, "id")
	if !ok {
		return
	}
	d, err := h.datasets.GetDataset(r.Context(), id)
	if err != nil {
		api.HandleAPIError(w, r, err, "")
		return
	}
	if d.ArchivePath == "" {
		shared.RespondWithError(w, r, http.StatusNotFound, "Dataset has no local archive")
		return
	}
	if _, err := os.Stat(d.ArchivePath); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusNotFound, "Dataset archive not found", err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", d.ID.String()+".zip"))
	http.ServeFile(w, r, d.ArchivePath)
}

func saveArchive(path string, body io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, body)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = checkZip(tmp)
	}
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func checkZip(path string) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return err
	}
	return zr.Close()
}

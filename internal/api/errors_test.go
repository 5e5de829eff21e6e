package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/discover-tasks/internal/api/shared"
	"github.com/phrazzld/discover-tasks/internal/domain"
	"github.com/phrazzld/discover-tasks/internal/executorclient"
	"github.com/phrazzld/discover-tasks/internal/jobs"
	"github.com/phrazzld/discover-tasks/internal/pipeline"
	"github.com/phrazzld/discover-tasks/internal/retention"
	"github.com/phrazzld/discover-tasks/internal/store"
	"github.com/phrazzld/discover-tasks/internal/tasking"
)

func TestMapErrorToStatusCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{"task not found", fmt.Errorf("get: %w", tasking.ErrTaskNotFound), http.StatusNotFound, "Task not found"},
		{"store pipeline not found", store.ErrPipelineNotFound, http.StatusNotFound, "Pipeline not found"},
		{"unknown job kind", jobs.ErrUnknownKind, http.StatusNotFound, "Unknown task kind"},
		{"finished task", domain.ErrTaskFinished, http.StatusConflict, "Task is already finished"},
		{"active job", retention.ErrJobActive, http.StatusConflict, "Job is still active"},
		{"bad params", domain.ErrInvalidParameters, http.StatusBadRequest, "Parameters must be a JSON object"},
		{"unknown pipeline", pipeline.ErrUnknownPipeline, http.StatusBadRequest, "Unknown pipeline kind"},
		{"bad json", shared.ErrInvalidJSON, http.StatusBadRequest, "Invalid request format"},
		{"executor down", executorclient.ErrTransport, http.StatusBadGateway, "Executor unavailable"},
		{"queue full", jobs.ErrQueueFull, http.StatusServiceUnavailable, "Service is busy, try again later"},
		{"unknown", errors.New("disk on fire"), http.StatusInternalServerError, "An unexpected error occurred"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, MapErrorToStatusCode(tt.err))
			assert.Equal(t, tt.message, GetSafeErrorMessage(tt.err))
		})
	}
}

func TestSanitizeValidationError(t *testing.T) {
	t.Parallel()

	type req struct {
		SourceURL string `json:"source_url" validate:"required,url"`
	}
	err := validator.New().Struct(req{SourceURL: "passwd-file"})
	require.Error(t, err)

	assert.Equal(t, http.StatusBadRequest, MapErrorToStatusCode(err))
	msg := SanitizeValidationError(err)
	assert.Contains(t, msg, "SourceURL")
	assert.NotContains(t, msg, "passwd")

	assert.Equal(t, "Validation error", SanitizeValidationError(errors.New("x")))
}

func TestHandleAPIError(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/regions/tasks/x", nil)
	HandleAPIError(rec, req, fmt.Errorf("lookup %s: %w", "/srv/media/regions", store.ErrTaskNotFound), "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var resp shared.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "Task not found", resp.Error)

	rec = httptest.NewRecorder()
	HandleAPIError(rec, req, errors.New("boom"), "Failed to start task")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "Failed to start task")
	assert.NotContains(t, rec.Body.String(), "boom")
}

package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/phrazzld/discover-tasks/internal/actors"
	"github.com/phrazzld/discover-tasks/internal/api/shared"
	"github.com/phrazzld/discover-tasks/internal/domain"
	"github.com/phrazzld/discover-tasks/internal/executorclient"
	"github.com/phrazzld/discover-tasks/internal/jobs"
	"github.com/phrazzld/discover-tasks/internal/pipeline"
	"github.com/phrazzld/discover-tasks/internal/retention"
	"github.com/phrazzld/discover-tasks/internal/store"
	"github.com/phrazzld/discover-tasks/internal/tasking"
)

// MapErrorToStatusCode maps internal errors to HTTP status codes so that
// internal error types never decide the response on their own.
func MapErrorToStatusCode(err error) int {
	var validationErrs validator.ValidationErrors
	switch {
	case err == nil:
		return http.StatusOK

	// Not found errors
	case errors.Is(err, tasking.ErrTaskNotFound),
		errors.Is(err, tasking.ErrDatasetNotFound),
		errors.Is(err, pipeline.ErrPipelineNotFound),
		errors.Is(err, jobs.ErrUnknownKind),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound

	// Conflict errors
	case errors.Is(err, domain.ErrTaskFinished),
		errors.Is(err, domain.ErrPipelineFinished),
		errors.Is(err, domain.ErrIllegalTransition),
		errors.Is(err, domain.ErrTrackingIDSet),
		errors.Is(err, domain.ErrNotStarted),
		errors.Is(err, retention.ErrJobActive),
		errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict

	// Bad request errors
	case errors.As(err, &validationErrs),
		errors.Is(err, shared.ErrInvalidJSON),
		errors.Is(err, shared.ErrInvalidID),
		errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInvalidID),
		errors.Is(err, domain.ErrInvalidParameters),
		errors.Is(err, domain.ErrEmptyTaskKind),
		errors.Is(err, domain.ErrEmptyPipelineKind),
		errors.Is(err, domain.ErrEmptyDatasetSource),
		errors.Is(err, tasking.ErrInvalidKind),
		errors.Is(err, pipeline.ErrUnknownPipeline),
		errors.Is(err, actors.ErrInvalidName),
		errors.Is(err, store.ErrInvalidEntity):
		return http.StatusBadRequest

	// Upstream errors
	case errors.Is(err, executorclient.ErrTransport),
		errors.Is(err, executorclient.ErrBadResponse):
		return http.StatusBadGateway

	// Saturation
	case errors.Is(err, jobs.ErrQueueFull),
		errors.Is(err, jobs.ErrQueueClosed),
		errors.Is(err, tasking.ErrCollectorStopped):
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a client-facing message for err that never
// includes internal details.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	var validationErrs validator.ValidationErrors
	switch {
	case errors.As(err, &validationErrs):
		return SanitizeValidationError(validationErrs)
	case errors.Is(err, tasking.ErrTaskNotFound),
		errors.Is(err, store.ErrTaskNotFound):
		return "Task not found"
	case errors.Is(err, tasking.ErrDatasetNotFound),
		errors.Is(err, store.ErrDatasetNotFound):
		return "Dataset not found"
	case errors.Is(err, pipeline.ErrPipelineNotFound),
		errors.Is(err, store.ErrPipelineNotFound):
		return "Pipeline not found"
	case errors.Is(err, store.ErrJobNotFound):
		return "Job not found"
	case errors.Is(err, jobs.ErrUnknownKind):
		return "Unknown task kind"
	case errors.Is(err, store.ErrNotFound):
		return "Not found"
	case errors.Is(err, domain.ErrTaskFinished):
		return "Task is already finished"
	case errors.Is(err, domain.ErrPipelineFinished):
		return "Pipeline is already finished"
	case errors.Is(err, domain.ErrNotStarted):
		return "Task has not been started"
	case errors.Is(err, domain.ErrIllegalTransition),
		errors.Is(err, domain.ErrTrackingIDSet):
		return "Task is in a conflicting state"
	case errors.Is(err, retention.ErrJobActive):
		return "Job is still active"
	case errors.Is(err, store.ErrDuplicate):
		return "Already exists"
	case errors.Is(err, shared.ErrInvalidJSON):
		return "Invalid request format"
	case errors.Is(err, shared.ErrInvalidID),
		errors.Is(err, domain.ErrInvalidID):
		return "Invalid id"
	case errors.Is(err, domain.ErrInvalidParameters):
		return "Parameters must be a JSON object"
	case errors.Is(err, domain.ErrEmptyDatasetSource):
		return "Dataset needs a source url"
	case errors.Is(err, tasking.ErrInvalidKind),
		errors.Is(err, domain.ErrEmptyTaskKind),
		errors.Is(err, actors.ErrInvalidName):
		return "Invalid task kind"
	case errors.Is(err, pipeline.ErrUnknownPipeline),
		errors.Is(err, domain.ErrEmptyPipelineKind):
		return "Unknown pipeline kind"
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, store.ErrInvalidEntity):
		return "Invalid entity data"
	case errors.Is(err, executorclient.ErrTransport),
		errors.Is(err, executorclient.ErrBadResponse):
		return "Executor unavailable"
	case errors.Is(err, jobs.ErrQueueFull),
		errors.Is(err, jobs.ErrQueueClosed),
		errors.Is(err, tasking.ErrCollectorStopped):
		return "Service is busy, try again later"
	default:
		return "An unexpected error occurred"
	}
}

// SanitizeValidationError turns validator errors into a message naming the
// first offending field without echoing the rejected value.
func SanitizeValidationError(err error) string {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) || len(validationErrs) == 0 {
		return "Validation error"
	}
	fe := validationErrs[0]
	return fmt.Sprintf("Invalid %s: %s", fe.Field(), getValidationTagMessage(fe.Tag()))
}

func getValidationTagMessage(tag string) string {
	switch tag {
	case "required":
		return "required field"
	case "url":
		return "invalid url"
	case "min", "gt", "gte":
		return "too small"
	case "max", "lt", "lte":
		return "too large"
	case "oneof":
		return "invalid value"
	default:
		return "validation failed"
	}
}

// HandleAPIError writes the response for err. message overrides the safe
// message derived from err when it is not empty.
func HandleAPIError(w http.ResponseWriter, r *http.Request, err error, message string) {
	status := MapErrorToStatusCode(err)
	if message == "" {
		message = GetSafeErrorMessage(err)
	}
	shared.RespondWithErrorAndLog(w, r, status, message, err)
}

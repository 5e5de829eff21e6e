package tasking

import (
	"errors"
	"fmt"

	"github.com/phrazzld/discover-tasks/internal/domain"
	"github.com/phrazzld/discover-tasks/internal/store"
)

// Common sentinel errors for Service
var (
	// ErrTaskNotFound indicates that the Task does not exist.
	ErrTaskNotFound = errors.New("task not found")
	// ErrDatasetNotFound indicates that a referenced Dataset does not exist.
	ErrDatasetNotFound = errors.New("dataset not found")
	// ErrDispatchFailed means the Executor did not accept the Task. The Task is ERROR.
	ErrDispatchFailed = errors.New("failed to dispatch task to the executor")
	// ErrInvalidKind is returned for kinds that cannot appear in a URL path.
	ErrInvalidKind = errors.New("invalid task kind")
	// ErrTrackingMismatch means a notification named another job than the Task's.
	ErrTrackingMismatch = errors.New("notification tracking id does not match task")
	// ErrUnknownEvent is returned for notification events outside STARTED, SUCCESS and ERROR.
	ErrUnknownEvent = errors.New("unknown notification event")
	// ErrCollectorStopped means result retrieval can no longer be scheduled.
	ErrCollectorStopped = errors.New("result collector stopped")
)

// ServiceError wraps errors from the tasking service with context.
type ServiceError struct {
	// Operation is the operation that failed (e.g., "start_task", "cancel_task")
	Operation string
	// Message is a human-readable description of the error
	Message string
	// Err is the underlying error that caused the failure
	Err error
}

// Error implements the error interface for ServiceError.
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tasking %s failed: %s: %v", e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("tasking %s failed: %s", e.Operation, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// NewServiceError creates a new ServiceError. Known sentinels are returned
// directly so that callers can map them without unwrapping.
func NewServiceError(operation, message string, err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, ErrTaskNotFound), errors.Is(err, store.ErrTaskNotFound):
		return ErrTaskNotFound
	case errors.Is(err, ErrDatasetNotFound), errors.Is(err, store.ErrDatasetNotFound):
		return ErrDatasetNotFound
	case errors.Is(err, domain.ErrTaskFinished):
		return domain.ErrTaskFinished
	}

	return &ServiceError{
		Operation: operation,
		Message:   message,
		Err:       err,
	}
}

package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents where a Task is in its lifecycle.
type TaskStatus string

// Possible task status values
const (
	TaskStatusPending         TaskStatus = "PENDING"
	TaskStatusProgress        TaskStatus = "PROGRESS"
	TaskStatusFetchingResults TaskStatus = "FETCHING_RESULTS"
	TaskStatusSuccess         TaskStatus = "SUCCESS"
	TaskStatusError           TaskStatus = "ERROR"
	TaskStatusCancelled       TaskStatus = "CANCELLED"
)

// IsTerminal reports whether no further transitions are possible from s.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusSuccess, TaskStatusError, TaskStatusCancelled:
		return true
	}
	return false
}

// IsValid reports whether s is a known status.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusPending, TaskStatusProgress, TaskStatusFetchingResults,
		TaskStatusSuccess, TaskStatusError, TaskStatusCancelled:
		return true
	}
	return false
}

// taskTransitions lists the statuses reachable from each non-terminal status.
// PENDING may jump to FETCHING_RESULTS because STARTED and SUCCESS notifications
// are not guaranteed to arrive in order, or at all.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending: {
		TaskStatusProgress, TaskStatusFetchingResults, TaskStatusError, TaskStatusCancelled,
	},
	TaskStatusProgress: {
		TaskStatusFetchingResults, TaskStatusError, TaskStatusCancelled,
	},
	TaskStatusFetchingResults: {
		TaskStatusSuccess, TaskStatusError, TaskStatusCancelled,
	},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Validation errors for Task
var (
	ErrEmptyTaskKind     = errors.New("task kind cannot be empty")
	ErrInvalidTaskStatus = errors.New("invalid task status")
	ErrInvalidParameters = errors.New("task parameters must be a JSON object")
)

// Task is the Requester's durable record of one unit of remote work.
type Task struct {
	ID          uuid.UUID  `json:"id"`
	Kind        string     `json:"kind"`
	Name        string     `json:"name"`
	Status      TaskStatus `json:"status"`
	IsFinished  bool       `json:"is_finished"`
	TrackingID  string     `json:"tracking_id,omitempty"`
	RequestedBy string     `json:"requested_by,omitempty"`
	RequestedOn time.Time  `json:"requested_on"`
	UpdatedAt   time.Time  `json:"updated_at"`
	// Parameters is the opaque domain blob forwarded verbatim to the Executor.
	Parameters json.RawMessage `json:"parameters,omitempty"`
	// Output is the Executor's SUCCESS payload, kept for result retrieval.
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	DatasetID  *uuid.UUID      `json:"dataset_id,omitempty"`
	PipelineID *uuid.UUID      `json:"pipeline_id,omitempty"`
	Stage      string          `json:"stage,omitempty"`
}

// NewTask creates a PENDING Task. Nil parameters default to an empty object.
func NewTask(kind, name, requestedBy string, params json.RawMessage) (*Task, error) {
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	now := time.Now().UTC()
	task := &Task{
		ID:          uuid.New(),
		Kind:        kind,
		Name:        name,
		Status:      TaskStatusPending,
		RequestedBy: requestedBy,
		RequestedOn: now,
		UpdatedAt:   now,
		Parameters:  params,
	}
	if err := task.Validate(); err != nil {
		return nil, err
	}
	return task, nil
}

// Validate checks if the Task has valid data.
func (t *Task) Validate() error {
	if t.ID == uuid.Nil {
		return ErrInvalidID
	}
	if t.Kind == "" {
		return ErrEmptyTaskKind
	}
	if !t.Status.IsValid() {
		return ErrInvalidTaskStatus
	}
	if t.IsFinished != t.Status.IsTerminal() {
		return fmt.Errorf("%w: is_finished disagrees with status %s", ErrValidation, t.Status)
	}
	if len(t.Parameters) > 0 {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(t.Parameters, &obj); err != nil {
			return ErrInvalidParameters
		}
	}
	return nil
}

// SetTrackingID records the Executor's id for this Task. It may only be
// assigned once, while the Task is still PENDING.
func (t *Task) SetTrackingID(trackingID string) error {
	if t.TrackingID != "" {
		return ErrTrackingIDSet
	}
	if t.Status != TaskStatusPending {
		return fmt.Errorf("%w: tracking id assigned in status %s", ErrIllegalTransition, t.Status)
	}
	t.TrackingID = trackingID
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// Transition moves the Task to status to. Terminal statuses also set
// IsFinished, after which every further transition fails with ErrTaskFinished.
func (t *Task) Transition(to TaskStatus) error {
	if t.IsFinished {
		return ErrTaskFinished
	}
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, t.Status, to)
	}
	t.Status = to
	t.IsFinished = to.IsTerminal()
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// Fail moves the Task to ERROR and records msg.
func (t *Task) Fail(msg string) error {
	if err := t.Transition(TaskStatusError); err != nil {
		return err
	}
	t.Error = msg
	return nil
}

// ExperimentID is the identifier shared with the Executor for this Task's run.
func (t *Task) ExperimentID() string {
	return t.ID.String()
}

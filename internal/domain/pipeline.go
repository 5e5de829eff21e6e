package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// PipelineStatus represents the aggregate state of a Pipeline.
type PipelineStatus string

// Possible pipeline status values
const (
	PipelineStatusPending   PipelineStatus = "PENDING"
	PipelineStatusRunning   PipelineStatus = "RUNNING"
	PipelineStatusSuccess   PipelineStatus = "SUCCESS"
	PipelineStatusError     PipelineStatus = "ERROR"
	PipelineStatusCancelled PipelineStatus = "CANCELLED"
)

// IsTerminal reports whether s ends the Pipeline.
func (s PipelineStatus) IsTerminal() bool {
	switch s {
	case PipelineStatusSuccess, PipelineStatusError, PipelineStatusCancelled:
		return true
	}
	return false
}

// ErrEmptyPipelineKind is returned when a Pipeline has no kind.
var ErrEmptyPipelineKind = errors.New("pipeline kind cannot be empty")

// Pipeline is an ordered chain of Tasks where each stage consumes the
// results of the previous one. Stage Tasks point back through Task.PipelineID.
type Pipeline struct {
	ID          uuid.UUID       `json:"id"`
	Kind        string          `json:"kind"`
	Name        string          `json:"name"`
	Status      PipelineStatus  `json:"status"`
	IsFinished  bool            `json:"is_finished"`
	RequestedBy string          `json:"requested_by,omitempty"`
	RequestedOn time.Time       `json:"requested_on"`
	UpdatedAt   time.Time       `json:"updated_at"`
	DatasetID   *uuid.UUID      `json:"dataset_id,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// NewPipeline creates a PENDING Pipeline.
func NewPipeline(kind, name, requestedBy string, datasetID *uuid.UUID, params json.RawMessage) (*Pipeline, error) {
	if kind == "" {
		return nil, ErrEmptyPipelineKind
	}
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	now := time.Now().UTC()
	return &Pipeline{
		ID:          uuid.New(),
		Kind:        kind,
		Name:        name,
		Status:      PipelineStatusPending,
		RequestedBy: requestedBy,
		RequestedOn: now,
		UpdatedAt:   now,
		DatasetID:   datasetID,
		Parameters:  params,
	}, nil
}

// SetStatus changes the Pipeline status unless it is already finished.
func (p *Pipeline) SetStatus(status PipelineStatus) error {
	if p.IsFinished {
		return ErrPipelineFinished
	}
	p.Status = status
	p.IsFinished = status.IsTerminal()
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// PipelineStatusFromTask maps a terminal stage status onto the Pipeline.
func PipelineStatusFromTask(s TaskStatus) PipelineStatus {
	switch s {
	case TaskStatusSuccess:
		return PipelineStatusSuccess
	case TaskStatusCancelled:
		return PipelineStatusCancelled
	case TaskStatusError:
		return PipelineStatusError
	}
	return PipelineStatusRunning
}

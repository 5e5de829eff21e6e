package domain

import "encoding/json"

// EventType is the kind of lifecycle notification an Executor sends.
type EventType string

// Notification event types
const (
	EventStarted EventType = "STARTED"
	EventSuccess EventType = "SUCCESS"
	EventError   EventType = "ERROR"
)

// Notification is the body POSTed by the Executor to a Task's notify URL.
type Notification struct {
	Event      EventType       `json:"event" validate:"required,oneof=STARTED SUCCESS ERROR"`
	TrackingID string          `json:"tracking_id,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// NotificationAck is the webhook receiver's only response shape.
type NotificationAck struct {
	Success bool `json:"success"`
}

// StartRequest is the body of POST /{kind}/start on the Executor.
type StartRequest struct {
	ExperimentID string          `json:"experiment_id" validate:"required"`
	NotifyURL    string          `json:"notify_url" validate:"required,url"`
	DatasetID    string          `json:"dataset_id,omitempty"`
	DatasetURL   string          `json:"dataset_url,omitempty" validate:"omitempty,url"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`
}

// StartResponse acknowledges an enqueued job.
type StartResponse struct {
	TrackingID   string `json:"tracking_id"`
	ExperimentID string `json:"experiment_id"`
}

// CancelResponse acknowledges an abort request.
type CancelResponse struct {
	TrackingID string `json:"tracking_id"`
}

// StatusResponse carries the Job Logger snapshot for a job, or a null log
// when the Executor holds none. JobStatus is the Executor's own record of the
// job (queued, running, succeeded, failed, aborted) and is omitted when the
// job is unknown.
type StatusResponse struct {
	TrackingID string          `json:"tracking_id"`
	Log        json.RawMessage `json:"log"`
	JobStatus  string          `json:"job_status,omitempty"`
}

// QueueInfo describes one Executor queue.
type QueueInfo struct {
	Name string `json:"name"`
	Size int    `json:"size"`
}

// MonitorResponse reports Executor disk usage and queue depth.
type MonitorResponse struct {
	TotalSize int64                `json:"total_size"`
	Queues    map[string]QueueInfo `json:"queues"`
}

// ClearRequest asks for a retention sweep over artifacts older than DaysBefore days.
type ClearRequest struct {
	DaysBefore int `json:"days_before" validate:"gte=0"`
}

// ClearResponse reports how many artifacts a sweep removed.
type ClearResponse struct {
	ClearedRuns     int `json:"cleared_runs"`
	ClearedDatasets int `json:"cleared_datasets"`
	ClearedResults  int `json:"cleared_results"`
}

// Progress is the Requester's merged view of a Task's state.
type Progress struct {
	Status     string          `json:"status"`
	IsFinished bool            `json:"is_finished"`
	TrackingID string          `json:"tracking_id,omitempty"`
	Log        json.RawMessage `json:"log"`
	Error      string          `json:"error,omitempty"`
}

// StatusUnknown is reported when the Executor cannot be reached for a live Task.
const StatusUnknown = "UNKNOWN"

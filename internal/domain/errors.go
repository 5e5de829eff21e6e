// Package domain defines the core business entities and errors.
package domain

import "errors"

// Common domain errors used across the application.
var (
	// ErrValidation is returned when a domain entity fails validation.
	// This is often wrapped with a more specific error message.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidID is returned when an ID is malformed or invalid.
	ErrInvalidID = errors.New("invalid ID")

	// ErrTaskFinished is returned when a mutation targets a Task that already
	// reached a terminal status. Callers that process notifications treat it as a no-op.
	ErrTaskFinished = errors.New("task is already finished")

	// ErrPipelineFinished is the Pipeline counterpart of ErrTaskFinished.
	ErrPipelineFinished = errors.New("pipeline is already finished")

	// ErrIllegalTransition is returned when a status change is not allowed by the state machine.
	ErrIllegalTransition = errors.New("illegal status transition")

	// ErrTrackingIDSet is returned when a tracking id is assigned a second time.
	ErrTrackingIDSet = errors.New("tracking id already assigned")

	// ErrNotStarted is returned by operations that need a Task to have been dispatched.
	ErrNotStarted = errors.New("task has not been started")
)

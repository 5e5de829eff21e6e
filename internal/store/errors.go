package store

import (
	"errors"
	"fmt"
)

// Common store errors used across all store implementations.
var (
	// ErrNotFound is returned when a requested entity does not exist in the store.
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicate is returned when an operation would create a duplicate
	// of a unique entity.
	ErrDuplicate = errors.New("entity already exists")

	// ErrInvalidEntity is returned when an entity fails validation before
	// being stored. Check the wrapped error for specific validation details.
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrTransactionFailed is returned when a database transaction fails
	// to commit or when an operation within a transaction fails.
	ErrTransactionFailed = errors.New("transaction failed")

	// Entity-specific "not found" errors

	// ErrTaskNotFound indicates that the requested task does not exist in the store.
	ErrTaskNotFound = fmt.Errorf("%w: task", ErrNotFound)

	// ErrPipelineNotFound indicates that the requested pipeline does not exist in the store.
	ErrPipelineNotFound = fmt.Errorf("%w: pipeline", ErrNotFound)

	// ErrDatasetNotFound indicates that the requested dataset does not exist in the store.
	ErrDatasetNotFound = fmt.Errorf("%w: dataset", ErrNotFound)

	// ErrJobNotFound indicates that the Executor has no record of the job.
	ErrJobNotFound = fmt.Errorf("%w: job", ErrNotFound)

	// ErrStateNotFound indicates that no unexpired Job Logger snapshot exists.
	ErrStateNotFound = fmt.Errorf("%w: job state", ErrNotFound)
)

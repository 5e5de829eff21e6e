// Package mocks provides centralized mock implementations for testing.
//
// The stores keep copies of the entities they are given, so tests observe
// only what was persisted, and each method can be overridden through its
// function field to inject failures:
//
//	tasks := mocks.NewMockTaskStore()
//	tasks.UpdateTaskFn = func(ctx context.Context, task *domain.Task) error {
//	    return errors.New("connection reset")
//	}
//
// MockExecutor has no default behaviour; every method that a test reaches
// must be set.
package mocks

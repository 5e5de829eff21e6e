package mocks

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/discover-tasks/internal/domain"
	"github.com/phrazzld/discover-tasks/internal/store"
)

// MockTaskStore implements store.TaskStore in memory.
type MockTaskStore struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]*domain.Task

	CreateTaskFn func(ctx context.Context, task *domain.Task) error
	UpdateTaskFn func(ctx context.Context, task *domain.Task) error
	GetTaskFn    func(ctx context.Context, id uuid.UUID) (*domain.Task, error)
}

var _ store.TaskStore = (*MockTaskStore)(nil)

// NewMockTaskStore creates an empty MockTaskStore.
func NewMockTaskStore() *MockTaskStore {
	return &MockTaskStore{tasks: make(map[uuid.UUID]*domain.Task)}
}

func copyTask(t *domain.Task) *domain.Task {
	cp := *t
	return &cp
}

// CreateTask implements store.TaskStore.
func (m *MockTaskStore) CreateTask(ctx context.Context, task *domain.Task) error {
	if m.CreateTaskFn != nil {
		return m.CreateTaskFn(ctx, task)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return store.ErrDuplicate
	}
	m.tasks[task.ID] = copyTask(task)
	return nil
}

// GetTask implements store.TaskStore.
func (m *MockTaskStore) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	if m.GetTaskFn != nil {
		return m.GetTaskFn(ctx, id)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return copyTask(task), nil
}

// UpdateTask implements store.TaskStore, refusing to touch finished Tasks.
func (m *MockTaskStore) UpdateTask(ctx context.Context, task *domain.Task) error {
	if m.UpdateTaskFn != nil {
		return m.UpdateTaskFn(ctx, task)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.tasks[task.ID]
	if !ok {
		return store.ErrTaskNotFound
	}
	if stored.IsFinished {
		return domain.ErrTaskFinished
	}
	m.tasks[task.ID] = copyTask(task)
	return nil
}

func (m *MockTaskStore) list(keep func(*domain.Task) bool) []*domain.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Task
	for _, t := range m.tasks {
		if keep(t) {
			out = append(out, copyTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedOn.Before(out[j].RequestedOn) })
	return out
}

// ListUnfinishedTasks implements store.TaskStore.
func (m *MockTaskStore) ListUnfinishedTasks(ctx context.Context, updatedBefore time.Time) ([]*domain.Task, error) {
	return m.list(func(t *domain.Task) bool {
		return !t.IsFinished && t.UpdatedAt.Before(updatedBefore)
	}), nil
}

// ListTasksRequestedBefore implements store.TaskStore.
func (m *MockTaskStore) ListTasksRequestedBefore(ctx context.Context, cutoff time.Time) ([]*domain.Task, error) {
	return m.list(func(t *domain.Task) bool { return t.RequestedOn.Before(cutoff) }), nil
}

// ListPipelineTasks implements store.TaskStore.
func (m *MockTaskStore) ListPipelineTasks(ctx context.Context, pipelineID uuid.UUID) ([]*domain.Task, error) {
	return m.list(func(t *domain.Task) bool {
		return t.PipelineID != nil && *t.PipelineID == pipelineID
	}), nil
}

// CountTasks implements store.TaskStore.
func (m *MockTaskStore) CountTasks(ctx context.Context, kind string) (int, error) {
	return len(m.list(func(t *domain.Task) bool { return t.Kind == kind })), nil
}

// DeleteTask implements store.TaskStore.
func (m *MockTaskStore) DeleteTask(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return store.ErrTaskNotFound
	}
	delete(m.tasks, id)
	return nil
}

// WithTx returns the store itself.
func (m *MockTaskStore) WithTx(tx *sql.Tx) store.TaskStore {
	return m
}

// Put stores task as-is, bypassing the finished check. It is meant for test setup.
func (m *MockTaskStore) Put(task *domain.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = copyTask(task)
}

// Len returns the number of stored Tasks.
func (m *MockTaskStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tasks)
}

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

// MockPipelineStore implements store.PipelineStore in memory. Deleting a
// Pipeline clears the pipeline reference of its Tasks when Tasks is set.
type MockPipelineStore struct {
	mu        sync.RWMutex
	pipelines map[uuid.UUID]*domain.Pipeline
	Tasks     *MockTaskStore

	UpdatePipelineFn func(ctx context.Context, p *domain.Pipeline) error
}

var _ store.PipelineStore = (*MockPipelineStore)(nil)

// NewMockPipelineStore creates an empty MockPipelineStore.
func NewMockPipelineStore(tasks *MockTaskStore) *MockPipelineStore {
	return &MockPipelineStore{pipelines: make(map[uuid.UUID]*domain.Pipeline), Tasks: tasks}
}

// CreatePipeline implements store.PipelineStore.
func (m *MockPipelineStore) CreatePipeline(ctx context.Context, p *domain.Pipeline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pipelines[p.ID]; ok {
		return store.ErrDuplicate
	}
	cp := *p
	m.pipelines[p.ID] = &cp
	return nil
}

// GetPipeline implements store.PipelineStore.
func (m *MockPipelineStore) GetPipeline(ctx context.Context, id uuid.UUID) (*domain.Pipeline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pipelines[id]
	if !ok {
		return nil, store.ErrPipelineNotFound
	}
	cp := *p
	return &cp, nil
}

// UpdatePipeline implements store.PipelineStore, refusing to touch finished Pipelines.
func (m *MockPipelineStore) UpdatePipeline(ctx context.Context, p *domain.Pipeline) error {
	if m.UpdatePipelineFn != nil {
		return m.UpdatePipelineFn(ctx, p)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.pipelines[p.ID]
	if !ok {
		return store.ErrPipelineNotFound
	}
	if stored.IsFinished {
		return domain.ErrPipelineFinished
	}
	cp := *p
	m.pipelines[p.ID] = &cp
	return nil
}

// ListUnfinishedPipelines implements store.PipelineStore.
func (m *MockPipelineStore) ListUnfinishedPipelines(ctx context.Context) ([]*domain.Pipeline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Pipeline
	for _, p := range m.pipelines {
		if !p.IsFinished {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedOn.Before(out[j].RequestedOn) })
	return out, nil
}

// ListPipelinesRequestedBefore implements store.PipelineStore.
func (m *MockPipelineStore) ListPipelinesRequestedBefore(ctx context.Context, cutoff time.Time) ([]*domain.Pipeline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Pipeline
	for _, p := range m.pipelines {
		if p.RequestedOn.Before(cutoff) {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

// DeletePipeline implements store.PipelineStore.
func (m *MockPipelineStore) DeletePipeline(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	if _, ok := m.pipelines[id]; !ok {
		m.mu.Unlock()
		return store.ErrPipelineNotFound
	}
	delete(m.pipelines, id)
	m.mu.Unlock()

	if m.Tasks != nil {
		stages, _ := m.Tasks.ListPipelineTasks(ctx, id)
		for _, t := range stages {
			t.PipelineID = nil
			m.Tasks.Put(t)
		}
	}
	return nil
}

// WithTx returns the store itself.
func (m *MockPipelineStore) WithTx(tx *sql.Tx) store.PipelineStore {
	return m
}

// Len returns the number of stored Pipelines.
func (m *MockPipelineStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pipelines)
}

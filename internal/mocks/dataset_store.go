package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/discover-tasks/internal/domain"
	"github.com/phrazzld/discover-tasks/internal/store"
)

// MockDatasetStore implements store.DatasetStore in memory. Reference
// checks consult Tasks when it is set.
type MockDatasetStore struct {
	mu       sync.RWMutex
	datasets map[uuid.UUID]*domain.Dataset
	Tasks    *MockTaskStore
}

var _ store.DatasetStore = (*MockDatasetStore)(nil)

// NewMockDatasetStore creates an empty MockDatasetStore.
func NewMockDatasetStore(tasks *MockTaskStore) *MockDatasetStore {
	return &MockDatasetStore{datasets: make(map[uuid.UUID]*domain.Dataset), Tasks: tasks}
}

// CreateDataset implements store.DatasetStore.
func (m *MockDatasetStore) CreateDataset(ctx context.Context, d *domain.Dataset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.datasets[d.ID]; ok {
		return store.ErrDuplicate
	}
	cp := *d
	m.datasets[d.ID] = &cp
	return nil
}

// GetDataset implements store.DatasetStore.
func (m *MockDatasetStore) GetDataset(ctx context.Context, id uuid.UUID) (*domain.Dataset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.datasets[id]
	if !ok {
		return nil, store.ErrDatasetNotFound
	}
	cp := *d
	return &cp, nil
}

// ListUnreferencedDatasets implements store.DatasetStore.
func (m *MockDatasetStore) ListUnreferencedDatasets(ctx context.Context, cutoff time.Time) ([]*domain.Dataset, error) {
	referenced := make(map[uuid.UUID]bool)
	if m.Tasks != nil {
		recent := m.Tasks.list(func(t *domain.Task) bool {
			return t.DatasetID != nil && !t.RequestedOn.Before(cutoff)
		})
		for _, t := range recent {
			referenced[*t.DatasetID] = true
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Dataset
	for _, d := range m.datasets {
		if d.CreatedAt.Before(cutoff) && !referenced[d.ID] {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

// CountDatasets implements store.DatasetStore.
func (m *MockDatasetStore) CountDatasets(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.datasets), nil
}

// DeleteDataset implements store.DatasetStore.
func (m *MockDatasetStore) DeleteDataset(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.datasets[id]; !ok {
		return store.ErrDatasetNotFound
	}
	delete(m.datasets, id)
	return nil
}

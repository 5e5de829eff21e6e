package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/discover-tasks/internal/store"
)

// MockJobStore implements the JobStore interface in memory for testing.
// SaveFn and UpdateStatusFn can be replaced to inject failures.
type MockJobStore struct {
	mutex          sync.RWMutex
	jobs           map[uuid.UUID]*Job
	aborted        map[uuid.UUID]bool
	SaveFn         func(ctx context.Context, job *Job) error
	UpdateStatusFn func(ctx context.Context, id uuid.UUID, status JobStatus, errorMsg string) error
}

var _ JobStore = (*MockJobStore)(nil)

// NewMockJobStore creates a new MockJobStore with default implementations
func NewMockJobStore() *MockJobStore {
	s := &MockJobStore{
		jobs:    make(map[uuid.UUID]*Job),
		aborted: make(map[uuid.UUID]bool),
	}

	s.SaveFn = func(ctx context.Context, job *Job) error {
		s.mutex.Lock()
		defer s.mutex.Unlock()
		cp := *job
		s.jobs[job.ID] = &cp
		return nil
	}

	s.UpdateStatusFn = func(ctx context.Context, id uuid.UUID, status JobStatus, errorMsg string) error {
		s.mutex.Lock()
		defer s.mutex.Unlock()
		job, ok := s.jobs[id]
		if !ok {
			return store.ErrJobNotFound
		}
		job.Status = status
		job.Error = errorMsg
		job.UpdatedAt = time.Now().UTC()
		return nil
	}

	return s
}

// SaveJob persists a job to the mock store
func (s *MockJobStore) SaveJob(ctx context.Context, job *Job) error {
	return s.SaveFn(ctx, job)
}

// UpdateJobStatus updates the status of a job in the mock store
func (s *MockJobStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status JobStatus, errorMsg string) error {
	return s.UpdateStatusFn(ctx, id, status, errorMsg)
}

// GetJob returns a copy of the stored job
func (s *MockJobStore) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

// ListJobsByStatus returns copies of jobs in status, oldest first
func (s *MockJobStore) ListJobsByStatus(ctx context.Context, status JobStatus) ([]*Job, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	var out []*Job
	for _, job := range s.jobs {
		if job.Status == status {
			cp := *job
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// MarkAborted sets the abort flag
func (s *MockJobStore) MarkAborted(ctx context.Context, id uuid.UUID) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return store.ErrJobNotFound
	}
	s.aborted[id] = true
	return nil
}

// IsAborted reports the abort flag
func (s *MockJobStore) IsAborted(ctx context.Context, id uuid.UUID) (bool, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.aborted[id], nil
}

// CountQueued counts queued jobs per kind
func (s *MockJobStore) CountQueued(ctx context.Context) (map[string]int, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	counts := make(map[string]int)
	for _, job := range s.jobs {
		if job.Status == JobStatusQueued {
			counts[job.Kind]++
		}
	}
	return counts, nil
}

// DeleteJob removes a job
func (s *MockJobStore) DeleteJob(ctx context.Context, id uuid.UUID) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.jobs, id)
	delete(s.aborted, id)
	return nil
}

// Status returns the stored status of a job, or "" when unknown
func (s *MockJobStore) Status(id uuid.UUID) JobStatus {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if job, ok := s.jobs[id]; ok {
		return job.Status
	}
	return ""
}

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/discover-tasks/internal/joblog"
	"github.com/phrazzld/discover-tasks/internal/store"
)

// StateStore is the result store for Job Logger snapshots. Each job has at
// most one snapshot, replaced wholesale on every write and readable until
// its TTL expires.
type StateStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

var _ joblog.Sink = (*StateStore)(nil)

// NewStateStore creates a StateStore.
func NewStateStore(db *sql.DB, logger *slog.Logger) *StateStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateStore{
		db:     db,
		logger: logger.With("component", "state_store"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// StoreState replaces the snapshot of state.ID.
func (s *StateStore) StoreState(ctx context.Context, state *joblog.State, ttl time.Duration) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode job state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO job_states (job_id, state, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (job_id) DO UPDATE SET state = excluded.state, expires_at = excluded.expires_at`,
		state.ID, raw, s.now().Add(ttl).UnixNano())
	if err != nil {
		return fmt.Errorf("failed to store job state: %w", err)
	}
	return nil
}

// GetState returns the unexpired snapshot of jobID, or store.ErrStateNotFound.
func (s *StateStore) GetState(ctx context.Context, jobID string) (*joblog.State, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM job_states WHERE job_id = ? AND expires_at > ?`,
		jobID, s.now().UnixNano()).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read job state: %w", err)
	}
	var state joblog.State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("failed to decode job state: %w", err)
	}
	return &state, nil
}

// DeleteState removes the snapshot of jobID if present.
func (s *StateStore) DeleteState(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM job_states WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("failed to delete job state: %w", err)
	}
	return nil
}

// PurgeExpired deletes snapshots whose TTL ended before now.
func (s *StateStore) PurgeExpired(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM job_states WHERE expires_at <= ?`, s.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to purge job states: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Debug("purged expired job states", "count", n)
	}
	return int(n), nil
}

// RunPurger calls PurgeExpired every interval until ctx is done.
func (s *StateStore) RunPurger(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.PurgeExpired(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("failed to purge expired job states", "error", err)
			}
		}
	}
}

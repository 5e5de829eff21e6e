package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/discover-tasks/internal/actors"
	"github.com/phrazzld/discover-tasks/internal/domain"
	"github.com/phrazzld/discover-tasks/internal/jobs"
	"github.com/phrazzld/discover-tasks/internal/store"
)

// ErrJobActive is returned when clearing a job that is still queued or running.
var ErrJobActive = errors.New("job is still active")

// JobRecords is the part of the Executor job store a sweep touches.
type JobRecords interface {
	GetJob(ctx context.Context, id uuid.UUID) (*jobs.Job, error)
	DeleteJob(ctx context.Context, id uuid.UUID) error
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// StateRecords is the part of the Job Logger snapshot store a sweep touches.
type StateRecords interface {
	DeleteState(ctx context.Context, jobID string) error
	PurgeExpired(ctx context.Context) (int, error)
}

// ExecutorSweeper applies the retention window to the Executor workspace:
// run directories keyed on their run marker, dataset caches keyed on their
// ready marker and result archives keyed on their own mtime.
type ExecutorSweeper struct {
	ws     actors.Workspace
	jobs   JobRecords
	states StateRecords
	days   int
	now    func() time.Time
	logger *slog.Logger
}

// NewExecutorSweeper creates an ExecutorSweeper whose scheduled sweeps use
// a window of days.
func NewExecutorSweeper(ws actors.Workspace, jobRecords JobRecords, states StateRecords, days int, logger *slog.Logger) *ExecutorSweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecutorSweeper{
		ws:     ws,
		jobs:   jobRecords,
		states: states,
		days:   days,
		now:    time.Now,
		logger: logger.With("component", "executor_sweeper"),
	}
}

// Sweep removes the artifacts of kind last used more than days ago.
func (s *ExecutorSweeper) Sweep(ctx context.Context, kind string, days int) (*domain.ClearResponse, error) {
	if err := actors.ValidName(kind); err != nil {
		return nil, err
	}
	cutoff := s.now().Add(-Window(days))
	resp := &domain.ClearResponse{}
	var err error

	if resp.ClearedRuns, err = s.removeDirs(ctx, s.ws.RunsDir(kind), actors.RunMarker, cutoff); err != nil {
		return resp, fmt.Errorf("failed to clear runs: %w", err)
	}
	if resp.ClearedDatasets, err = s.removeDirs(ctx, s.ws.DatasetsDir(kind), actors.ReadyMarker, cutoff); err != nil {
		return resp, fmt.Errorf("failed to clear datasets: %w", err)
	}
	if resp.ClearedResults, err = s.removeResults(ctx, s.ws.ResultsDir(kind), cutoff); err != nil {
		return resp, fmt.Errorf("failed to clear results: %w", err)
	}

	s.logger.Info("executor sweep finished",
		"kind", kind,
		"days_before", days,
		"cleared_runs", resp.ClearedRuns,
		"cleared_datasets", resp.ClearedDatasets,
		"cleared_results", resp.ClearedResults)
	return resp, nil
}

// SweepAll sweeps every kind with the configured window, then drops
// finished job records older than the window and expired snapshots.
func (s *ExecutorSweeper) SweepAll(ctx context.Context, kinds []string) error {
	var errs []error
	for _, kind := range kinds {
		if _, err := s.Sweep(ctx, kind, s.days); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", kind, err))
		}
	}

	cutoff := s.now().Add(-Window(s.days))
	n, err := s.jobs.DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		errs = append(errs, err)
	} else if n > 0 {
		s.logger.Info("deleted old job records", "count", n)
	}
	if _, err := s.states.PurgeExpired(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ClearJob removes everything the Executor keeps for one finished job.
// Missing pieces are not an error.
func (s *ExecutorSweeper) ClearJob(ctx context.Context, kind, trackingID string) (*domain.ClearResponse, error) {
	if err := actors.ValidName(kind); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(trackingID)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", actors.ErrInvalidName, trackingID)
	}

	job, err := s.jobs.GetJob(ctx, id)
	switch {
	case errors.Is(err, store.ErrJobNotFound):
	case err != nil:
		return nil, err
	case job.Status == jobs.JobStatusQueued || job.Status == jobs.JobStatusRunning:
		return nil, fmt.Errorf("%w: %s is %s", ErrJobActive, trackingID, job.Status)
	}

	resp := &domain.ClearResponse{}
	runDir := s.ws.RunDir(kind, trackingID)
	if _, err := os.Stat(runDir); err == nil {
		if err := os.RemoveAll(runDir); err != nil {
			return resp, err
		}
		resp.ClearedRuns = 1
	}
	switch err := os.Remove(s.ws.ResultPath(kind, trackingID)); {
	case err == nil:
		resp.ClearedResults = 1
	case !errors.Is(err, os.ErrNotExist):
		return resp, err
	}

	if err := s.states.DeleteState(ctx, trackingID); err != nil {
		return resp, err
	}
	if err := s.jobs.DeleteJob(ctx, id); err != nil && !errors.Is(err, store.ErrJobNotFound) {
		return resp, err
	}
	s.logger.Info("cleared job", "kind", kind, "tracking_id", trackingID)
	return resp, nil
}

func (s *ExecutorSweeper) removeDirs(ctx context.Context, parent, marker string, cutoff time.Time) (int, error) {
	list, err := entries(parent)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range list {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(parent, e.Name())
		used, err := LastUsed(dir, marker)
		if err != nil || !used.Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Warn("failed to remove directory", "path", dir, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

func (s *ExecutorSweeper) removeResults(ctx context.Context, dir string, cutoff time.Time) (int, error) {
	list, err := entries(dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range list {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if !e.Type().IsRegular() || !strings.HasSuffix(e.Name(), ".zip") {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("failed to remove result", "path", path, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/phrazzld/discover-tasks/internal/domain"
	"github.com/phrazzld/discover-tasks/internal/store"
	"github.com/phrazzld/discover-tasks/internal/tasking"
)

// JobClearer removes the Executor's copy of a job. executorclient.Client
// implements it.
type JobClearer interface {
	ClearJob(ctx context.Context, kind, trackingID string) (*domain.ClearResponse, error)
}

// RequesterReport counts what a Requester sweep removed.
type RequesterReport struct {
	ClearedTasks     int `json:"cleared_tasks"`
	ClearedDatasets  int `json:"cleared_datasets"`
	ClearedPipelines int `json:"cleared_pipelines"`
}

// RequesterSweeper applies the retention window to Task records, their
// artifacts and the Datasets no recent Task references.
type RequesterSweeper struct {
	tasks     store.TaskStore
	datasets  store.DatasetStore
	pipelines store.PipelineStore
	executor  JobClearer
	artifacts tasking.Artifacts
	days      int
	now       func() time.Time
	logger    *slog.Logger
}

// NewRequesterSweeper creates a RequesterSweeper whose scheduled sweeps use
// a window of days. executor may be nil, in which case Executor copies are
// left to the Executor's own sweep.
func NewRequesterSweeper(tasks store.TaskStore, datasets store.DatasetStore, pipelines store.PipelineStore,
	executor JobClearer, artifacts tasking.Artifacts, days int, logger *slog.Logger) *RequesterSweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &RequesterSweeper{
		tasks:     tasks,
		datasets:  datasets,
		pipelines: pipelines,
		executor:  executor,
		artifacts: artifacts,
		days:      days,
		now:       time.Now,
		logger:    logger.With("component", "requester_sweeper"),
	}
}

// SweepAll runs Sweep over every kind with the configured window.
func (s *RequesterSweeper) SweepAll(ctx context.Context) error {
	_, err := s.Sweep(ctx, "", s.days)
	return err
}

// Sweep removes finished Tasks of kind requested more than days ago,
// together with their artifacts, then the Datasets that no newer Task
// references. An empty kind selects every kind and also removes old
// Pipelines. Unfinished Tasks are kept; the lease monitor settles them.
func (s *RequesterSweeper) Sweep(ctx context.Context, kind string, days int) (*RequesterReport, error) {
	cutoff := s.now().Add(-Window(days))
	report := &RequesterReport{}
	var errs []error

	if kind == "" {
		n, err := s.sweepPipelines(ctx, cutoff)
		report.ClearedPipelines = n
		if err != nil {
			errs = append(errs, err)
		}
	}

	n, err := s.sweepTasks(ctx, kind, cutoff)
	report.ClearedTasks = n
	if err != nil {
		errs = append(errs, err)
	}

	n, err = s.sweepDatasets(ctx, cutoff)
	report.ClearedDatasets = n
	if err != nil {
		errs = append(errs, err)
	}

	s.logger.Info("requester sweep finished",
		"kind", kind,
		"days_before", days,
		"cleared_tasks", report.ClearedTasks,
		"cleared_datasets", report.ClearedDatasets,
		"cleared_pipelines", report.ClearedPipelines)
	return report, errors.Join(errs...)
}

func (s *RequesterSweeper) sweepPipelines(ctx context.Context, cutoff time.Time) (int, error) {
	old, err := s.pipelines.ListPipelinesRequestedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list pipelines: %w", err)
	}
	n := 0
	for _, p := range old {
		if !p.IsFinished {
			continue
		}
		if err := s.pipelines.DeletePipeline(ctx, p.ID); err != nil && !errors.Is(err, store.ErrPipelineNotFound) {
			return n, fmt.Errorf("failed to delete pipeline %s: %w", p.ID, err)
		}
		n++
	}
	return n, nil
}

func (s *RequesterSweeper) sweepTasks(ctx context.Context, kind string, cutoff time.Time) (int, error) {
	old, err := s.tasks.ListTasksRequestedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list tasks: %w", err)
	}
	n := 0
	for _, task := range old {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if (kind != "" && task.Kind != kind) || !task.IsFinished {
			continue
		}
		if err := s.removeTask(ctx, task); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *RequesterSweeper) removeTask(ctx context.Context, task *domain.Task) error {
	logger := s.logger.With("task_id", task.ID, "kind", task.Kind)
	if s.executor != nil && task.TrackingID != "" {
		if _, err := s.executor.ClearJob(ctx, task.Kind, task.TrackingID); err != nil {
			logger.Warn("failed to clear executor job", "tracking_id", task.TrackingID, "error", err)
		}
	}
	if err := s.artifacts.RemoveTask(task); err != nil {
		return fmt.Errorf("failed to remove artifacts of task %s: %w", task.ID, err)
	}
	if err := s.tasks.DeleteTask(ctx, task.ID); err != nil && !errors.Is(err, store.ErrTaskNotFound) {
		return fmt.Errorf("failed to delete task %s: %w", task.ID, err)
	}
	logger.Debug("task removed")
	return nil
}

func (s *RequesterSweeper) sweepDatasets(ctx context.Context, cutoff time.Time) (int, error) {
	old, err := s.datasets.ListUnreferencedDatasets(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list datasets: %w", err)
	}
	n := 0
	for _, d := range old {
		for _, path := range []string{d.ArchivePath, s.artifacts.DatasetArchivePath(d.ID)} {
			if path == "" {
				continue
			}
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return n, fmt.Errorf("failed to remove dataset archive: %w", err)
			}
		}
		if err := s.datasets.DeleteDataset(ctx, d.ID); err != nil && !errors.Is(err, store.ErrDatasetNotFound) {
			return n, fmt.Errorf("failed to delete dataset %s: %w", d.ID, err)
		}
		n++
	}
	return n, nil
}

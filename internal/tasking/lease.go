package tasking

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/phrazzld/discover-tasks/internal/domain"
	"github.com/phrazzld/discover-tasks/internal/joblog"
)

// Reasons recorded when a lease expires.
const (
	msgNeverAccepted = "Lease expired: the task was never accepted by the executor"
	msgJobVanished   = "Lease expired: the executor has no record of the job"
)

// Executor job statuses reported in StatusResponse.JobStatus that mean the
// job is still expected to notify.
var liveJobStatuses = map[string]bool{"queued": true, "running": true}

// LeaseMonitor resolves Tasks that stopped hearing from the Executor. A
// Task's lease is its updated_at; every state change renews it.
type LeaseMonitor struct {
	service  *Service
	executor Executor
	timeout  time.Duration
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewLeaseMonitor creates a LeaseMonitor checking every interval for Tasks
// silent for longer than timeout.
func NewLeaseMonitor(service *Service, timeout, interval time.Duration, logger *slog.Logger) *LeaseMonitor {
	return &LeaseMonitor{
		service:  service,
		executor: service.executor,
		timeout:  timeout,
		interval: interval,
		logger:   logger.With("component", "lease_monitor"),
		now:      time.Now,
	}
}

// Run checks leases until ctx is done.
func (m *LeaseMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := m.Check(ctx); err != nil {
				m.logger.Error("lease check failed", "error", err)
			}
		}
	}
}

// Check examines every expired lease once and returns how many Tasks it
// acted on. Tasks whose Executor cannot be reached are left for the next check.
func (m *LeaseMonitor) Check(ctx context.Context) (int, error) {
	cutoff := m.now().UTC().Add(-m.timeout)
	tasks, err := m.service.tasks.ListUnfinishedTasks(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	acted := 0
	for _, task := range tasks {
		if ctx.Err() != nil {
			return acted, ctx.Err()
		}
		ok, err := m.checkTask(ctx, task)
		if err != nil {
			m.logger.Warn("lease check skipped task", "task_id", task.ID, "error", err)
			continue
		}
		if ok {
			acted++
		}
	}
	if acted > 0 {
		m.logger.Info("lease check complete", "expired_leases", len(tasks), "resolved", acted)
	}
	return acted, nil
}

func (m *LeaseMonitor) checkTask(ctx context.Context, task *domain.Task) (bool, error) {
	svc := m.service

	if task.Status == domain.TaskStatusFetchingResults {
		if err := svc.ScheduleCollection(task.ID); err != nil {
			return false, err
		}
		return true, svc.RenewLease(ctx, task.ID)
	}
	if task.TrackingID == "" {
		return true, svc.ExpireLease(ctx, task.ID, msgNeverAccepted)
	}

	resp, err := m.executor.Status(ctx, task.Kind, task.TrackingID)
	if err != nil {
		return false, err
	}

	// A queued or running job will still notify; any snapshot it has may
	// come from an earlier run that was interrupted.
	if liveJobStatuses[resp.JobStatus] {
		if task.Status == domain.TaskStatusPending && hasLog(resp.Log) {
			return true, svc.ReceiveNotification(ctx, task.ID, domain.Notification{
				Event:      domain.EventStarted,
				TrackingID: task.TrackingID,
			})
		}
		return true, svc.RenewLease(ctx, task.ID)
	}
	if !hasLog(resp.Log) {
		return true, svc.ExpireLease(ctx, task.ID, msgJobVanished)
	}

	var state joblog.State
	if err := json.Unmarshal(resp.Log, &state); err != nil {
		return false, errors.New("unreadable job snapshot")
	}

	switch state.Status {
	case joblog.StatusSuccess:
		m.logger.Info("recovered missed SUCCESS notification", "task_id", task.ID)
		return true, svc.ReceiveNotification(ctx, task.ID, domain.Notification{
			Event:      domain.EventSuccess,
			TrackingID: task.TrackingID,
			Output:     state.Output,
		})
	case joblog.StatusError:
		m.logger.Info("recovered missed ERROR notification", "task_id", task.ID)
		msg := strings.Join(state.Errors, "\n")
		if msg == "" {
			msg = msgUnknownError
		}
		return true, svc.ReceiveNotification(ctx, task.ID, domain.Notification{
			Event:      domain.EventError,
			TrackingID: task.TrackingID,
			Error:      msg,
		})
	default:
		if task.Status == domain.TaskStatusPending {
			// The job is running even though STARTED never arrived.
			return true, svc.ReceiveNotification(ctx, task.ID, domain.Notification{
				Event:      domain.EventStarted,
				TrackingID: task.TrackingID,
			})
		}
		return true, svc.RenewLease(ctx, task.ID)
	}
}

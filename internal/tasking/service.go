package tasking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/discover-tasks/internal/domain"
	"github.com/phrazzld/discover-tasks/internal/events"
	"github.com/phrazzld/discover-tasks/internal/executorclient"
	"github.com/phrazzld/discover-tasks/internal/joblog"
	"github.com/phrazzld/discover-tasks/internal/redact"
	"github.com/phrazzld/discover-tasks/internal/store"
	"github.com/phrazzld/discover-tasks/internal/token"
	"github.com/phrazzld/discover-tasks/internal/ziputil"
)

// Messages recorded in Task logs and returned to pollers.
const (
	msgStartConnection    = "Connection error when starting task"
	msgCancelConnection   = "Connection error when cancelling task"
	msgProgressConnection = "Connection error when getting task progress from the worker"
	msgUnknownError       = "Unknown error"
)

var kindPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Executor is the part of the Executor API the Requester calls.
// executorclient.Client implements it.
type Executor interface {
	Start(ctx context.Context, kind string, req domain.StartRequest) (*domain.StartResponse, error)
	Cancel(ctx context.Context, kind, trackingID string) error
	Status(ctx context.Context, kind, trackingID string) (*domain.StatusResponse, error)
	Download(ctx context.Context, rawURL, dest string) (int64, error)
}

// Config holds the Service settings.
type Config struct {
	// BaseURL is the Requester's externally reachable address.
	BaseURL string
	// ResultPatterns selects, per kind, the files kept in the curated archive.
	ResultPatterns map[string][]string
	Collector      CollectorConfig
}

// Deps are the collaborators of a Service. Emitter and Alerter are optional.
type Deps struct {
	Tasks     store.TaskStore
	Datasets  store.DatasetStore
	Executor  Executor
	Tokens    *token.Deriver
	Artifacts Artifacts
	Emitter   events.EventEmitter
	Alerter   Alerter
}

// CreateParams describes a new Task.
type CreateParams struct {
	Kind        string
	Name        string
	RequestedBy string
	Parameters  json.RawMessage
	DatasetID   *uuid.UUID
	PipelineID  *uuid.UUID
	Stage       string
}

// Service implements the Requester's Task state machine.
type Service struct {
	tasks     store.TaskStore
	datasets  store.DatasetStore
	executor  Executor
	tokens    *token.Deriver
	artifacts Artifacts
	emitter   events.EventEmitter
	alerter   Alerter
	collector *Collector
	baseURL   string
	patterns  map[string][]string
	locks     *taskLocks
	logger    *slog.Logger
}

// NewService creates a Service.
// It returns an error if any of the required dependencies are nil.
func NewService(cfg Config, deps Deps, logger *slog.Logger) (*Service, error) {
	switch {
	case deps.Tasks == nil:
		return nil, &ServiceError{Operation: "create_service", Message: "tasks store cannot be nil"}
	case deps.Datasets == nil:
		return nil, &ServiceError{Operation: "create_service", Message: "datasets store cannot be nil"}
	case deps.Executor == nil:
		return nil, &ServiceError{Operation: "create_service", Message: "executor cannot be nil"}
	case deps.Tokens == nil:
		return nil, &ServiceError{Operation: "create_service", Message: "token deriver cannot be nil"}
	case deps.Artifacts.Root == "":
		return nil, &ServiceError{Operation: "create_service", Message: "media root cannot be empty"}
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, &ServiceError{Operation: "create_service", Message: "invalid base url", Err: err}
	}

	if logger == nil {
		logger = slog.Default()
	}
	if deps.Alerter == nil {
		deps.Alerter = NewLogAlerter(logger)
	}

	s := &Service{
		tasks:     deps.Tasks,
		datasets:  deps.Datasets,
		executor:  deps.Executor,
		tokens:    deps.Tokens,
		artifacts: deps.Artifacts,
		emitter:   deps.Emitter,
		alerter:   deps.Alerter,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		patterns:  cfg.ResultPatterns,
		locks:     newTaskLocks(),
		logger:    logger.With("component", "tasking_service"),
	}
	s.collector = NewCollector(cfg.Collector, s.collectResults, logger)
	return s, nil
}

// Start launches the result collector and requeues Tasks that were left in
// FETCHING_RESULTS by a previous process.
func (s *Service) Start(ctx context.Context) error {
	s.collector.Start()

	stuck, err := s.tasks.ListUnfinishedTasks(ctx, time.Now().UTC())
	if err != nil {
		return NewServiceError("recover_tasks", "failed to list unfinished tasks", err)
	}
	for _, task := range stuck {
		if task.Status != domain.TaskStatusFetchingResults {
			continue
		}
		if err := s.collector.Enqueue(task.ID); err != nil {
			s.logger.Error("failed to requeue result retrieval", "task_id", task.ID, "error", err)
		}
	}
	return nil
}

// Stop shuts the result collector down.
func (s *Service) Stop() {
	s.collector.Stop()
}

// Artifacts returns the media layout used by the Service.
func (s *Service) Artifacts() Artifacts {
	return s.artifacts
}

// CreateTask stores a new PENDING Task without dispatching it.
func (s *Service) CreateTask(ctx context.Context, p CreateParams) (*domain.Task, error) {
	if !kindPattern.MatchString(p.Kind) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, p.Kind)
	}
	if p.DatasetID != nil {
		if _, err := s.datasets.GetDataset(ctx, *p.DatasetID); err != nil {
			return nil, NewServiceError("create_task", "failed to load dataset", err)
		}
	}

	task, err := domain.NewTask(p.Kind, p.Name, p.RequestedBy, p.Parameters)
	if err != nil {
		return nil, err
	}
	task.DatasetID = p.DatasetID
	task.PipelineID = p.PipelineID
	task.Stage = p.Stage

	if err := s.tasks.CreateTask(ctx, task); err != nil {
		s.logger.Error("failed to save task", "error", err, "kind", p.Kind)
		return nil, NewServiceError("create_task", "failed to save task", err)
	}
	s.logger.Info("task created", "task_id", task.ID, "kind", task.Kind)
	return task, nil
}

// SubmitTask creates a Task and dispatches it. When dispatch fails the
// ERROR Task is returned together with an error wrapping ErrDispatchFailed.
func (s *Service) SubmitTask(ctx context.Context, p CreateParams) (*domain.Task, error) {
	task, err := s.CreateTask(ctx, p)
	if err != nil {
		return nil, err
	}
	return s.StartTask(ctx, task.ID)
}

// GetTask returns a Task by id.
func (s *Service) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	task, err := s.tasks.GetTask(ctx, id)
	if err != nil {
		return nil, NewServiceError("get_task", "failed to load task", err)
	}
	return task, nil
}

// StartTask sends a PENDING Task to the Executor and records the tracking
// id. Any failure is terminal: the Task moves to ERROR, the reason is
// written to its log, and an unreachable Executor alerts operators.
func (s *Service) StartTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	return s.update(ctx, id, "start_task", func(task *domain.Task) error {
		if task.IsFinished {
			return domain.ErrTaskFinished
		}
		if task.TrackingID != "" {
			return domain.ErrTrackingIDSet
		}
		if task.Status != domain.TaskStatusPending {
			return fmt.Errorf("%w: task is %s", domain.ErrIllegalTransition, task.Status)
		}

		req, err := s.startRequest(ctx, task)
		if err != nil {
			s.failAndLog(ctx, task, fmt.Sprintf("Could not build the start request: %v", err))
			return fmt.Errorf("%w: %w", ErrDispatchFailed, err)
		}

		resp, err := s.executor.Start(ctx, task.Kind, req)
		if err != nil {
			msg := fmt.Sprintf("Request for task failed: %s", redact.Error(err))
			if errors.Is(err, executorclient.ErrTransport) {
				msg = msgStartConnection
				s.alerter.Alert(ctx, "Executor offline",
					fmt.Sprintf("Error starting task %s (%s). The executor is unreachable: %s", task.ID, task.Kind, redact.Error(err)))
			}
			s.failAndLog(ctx, task, msg)
			return fmt.Errorf("%w: %w", ErrDispatchFailed, err)
		}

		if err := task.SetTrackingID(resp.TrackingID); err != nil {
			return err
		}
		if err := s.save(ctx, task); err != nil {
			return err
		}
		s.logger.Info("task dispatched", "task_id", task.ID, "kind", task.Kind, "tracking_id", resp.TrackingID)
		return nil
	})
}

// CancelTask asks the Executor to abort the Task's job and marks it
// CANCELLED. A Task that was never accepted is cancelled locally. When the
// Executor is unreachable the Task is left as is and the error returned.
func (s *Service) CancelTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	return s.update(ctx, id, "cancel_task", func(task *domain.Task) error {
		if task.IsFinished {
			return domain.ErrTaskFinished
		}

		if task.TrackingID != "" {
			err := s.executor.Cancel(ctx, task.Kind, task.TrackingID)
			switch {
			case errors.Is(err, executorclient.ErrTransport):
				s.writeLog(task, msgCancelConnection)
				return NewServiceError("cancel_task", "executor unreachable", err)
			case err != nil:
				s.failAndLog(ctx, task, fmt.Sprintf("Error cancelling task: %s", redact.Error(err)))
				return nil
			}
		}

		if err := task.Transition(domain.TaskStatusCancelled); err != nil {
			return err
		}
		s.logger.Info("task cancelled", "task_id", task.ID, "tracking_id", task.TrackingID)
		return s.save(ctx, task)
	})
}

// ReceiveNotification applies an Executor lifecycle event to the Task.
// Events for finished Tasks and repeated events are no-ops.
func (s *Service) ReceiveNotification(ctx context.Context, id uuid.UUID, n domain.Notification) error {
	switch n.Event {
	case domain.EventStarted, domain.EventSuccess, domain.EventError:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, n.Event)
	}

	_, err := s.update(ctx, id, "receive_notification", func(task *domain.Task) error {
		logger := s.logger.With("task_id", task.ID, "event", n.Event)
		if task.IsFinished {
			logger.Debug("ignoring notification for finished task", "status", task.Status)
			return nil
		}
		if n.TrackingID != "" && task.TrackingID != "" && n.TrackingID != task.TrackingID {
			return fmt.Errorf("%w: got %s, want %s", ErrTrackingMismatch, n.TrackingID, task.TrackingID)
		}

		switch n.Event {
		case domain.EventStarted:
			if task.Status != domain.TaskStatusPending {
				return nil
			}
			if err := task.Transition(domain.TaskStatusProgress); err != nil {
				return err
			}
			return s.save(ctx, task)

		case domain.EventSuccess:
			if task.Status == domain.TaskStatusFetchingResults {
				return nil
			}
			if err := task.Transition(domain.TaskStatusFetchingResults); err != nil {
				return err
			}
			task.Output = n.Output
			if err := s.save(ctx, task); err != nil {
				return err
			}
			if err := s.collector.Enqueue(task.ID); err != nil {
				// The lease monitor reschedules Tasks left in FETCHING_RESULTS.
				logger.Warn("result retrieval deferred", "error", err)
				s.writeLog(task, fmt.Sprintf("Result retrieval deferred: %v", err))
			}
			return nil

		default:
			msg := n.Error
			if msg == "" {
				msg = msgUnknownError
			}
			logger.Info("task failed on the executor")
			return s.fail(ctx, task, msg)
		}
	})
	if errors.Is(err, domain.ErrTaskFinished) {
		return nil
	}
	return err
}

// GetProgress merges the Task's local state with the Executor's snapshot.
// The local status always wins; an unreachable Executor turns the status of
// a live Task into UNKNOWN.
func (s *Service) GetProgress(ctx context.Context, id uuid.UUID) (*domain.Progress, error) {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	p := &domain.Progress{
		Status:     string(task.Status),
		IsFinished: task.IsFinished,
		TrackingID: task.TrackingID,
		Error:      task.Error,
	}
	if task.TrackingID == "" {
		return p, nil
	}

	resp, err := s.executor.Status(ctx, task.Kind, task.TrackingID)
	switch {
	case err == nil:
		if hasLog(resp.Log) {
			p.Log = resp.Log
		}
	case errors.Is(err, executorclient.ErrTransport):
		if !task.IsFinished {
			p.Status = domain.StatusUnknown
			p.Error = msgProgressConnection
		}
	default:
		s.writeLog(task, fmt.Sprintf("Error when reading task progress: %s", redact.Error(err)))
		if !task.IsFinished {
			p.Status = domain.StatusUnknown
		}
	}
	return p, nil
}

// FullLog returns the durable log of the Task.
func (s *Service) FullLog(ctx context.Context, id uuid.UUID) (string, error) {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return "", err
	}
	return s.artifacts.ReadLog(task)
}

// NotifyURL is the webhook address handed to the Executor for task.
func (s *Service) NotifyURL(task *domain.Task) (string, error) {
	tok, err := s.tokens.Derive(task.ID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s/%s/watch?token=%s",
		s.baseURL, url.PathEscape(task.Kind), task.ID, url.QueryEscape(tok)), nil
}

// VerifyToken reports whether tok authorizes notifications for the Task.
func (s *Service) VerifyToken(id uuid.UUID, tok string) bool {
	return s.tokens.Verify(id, tok)
}

// DatasetURL is where the Executor downloads a Dataset from.
func (s *Service) DatasetURL(d *domain.Dataset) string {
	if d.SourceURL != "" {
		return d.SourceURL
	}
	return fmt.Sprintf("%s/datasets/%s/archive", s.baseURL, d.ID)
}

func (s *Service) startRequest(ctx context.Context, task *domain.Task) (domain.StartRequest, error) {
	notifyURL, err := s.NotifyURL(task)
	if err != nil {
		return domain.StartRequest{}, err
	}
	req := domain.StartRequest{
		ExperimentID: task.ExperimentID(),
		NotifyURL:    notifyURL,
		Parameters:   task.Parameters,
	}
	if task.DatasetID != nil {
		ds, err := s.datasets.GetDataset(ctx, *task.DatasetID)
		if err != nil {
			return domain.StartRequest{}, fmt.Errorf("failed to load dataset: %w", err)
		}
		req.DatasetID = ds.ID.String()
		req.DatasetURL = s.DatasetURL(ds)
	}
	return req, nil
}

// collectResults runs on a collector worker. The download happens outside
// the Task lock; the outcome is applied only if the Task is still waiting
// for its results.
func (s *Service) collectResults(ctx context.Context, id uuid.UUID) error {
	task, err := s.tasks.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.IsFinished || task.Status != domain.TaskStatusFetchingResults {
		return nil
	}

	fetchErr := s.fetchResults(ctx, task)
	if fetchErr != nil && ctx.Err() != nil {
		// Shutting down; the Task stays in FETCHING_RESULTS for the next process.
		return fetchErr
	}

	_, err = s.update(ctx, id, "collect_results", func(task *domain.Task) error {
		if task.IsFinished || task.Status != domain.TaskStatusFetchingResults {
			return nil
		}
		if fetchErr != nil {
			return s.fail(ctx, task, fmt.Sprintf("Error fetching results: %s", redact.Error(fetchErr)))
		}
		if err := task.Transition(domain.TaskStatusSuccess); err != nil {
			return err
		}
		s.logger.Info("task results collected", "task_id", task.ID)
		return s.save(ctx, task)
	})
	return err
}

// resultOutput is the part of an Executor SUCCESS payload the Requester reads.
type resultOutput struct {
	ResultURL string `json:"result_url"`
}

func (s *Service) fetchResults(ctx context.Context, task *domain.Task) error {
	var out resultOutput
	if len(task.Output) > 0 {
		if err := json.Unmarshal(task.Output, &out); err != nil {
			return fmt.Errorf("unreadable executor output: %w", err)
		}
	}
	if out.ResultURL == "" {
		return errors.New("executor output has no result_url")
	}

	download := filepath.Join(s.artifacts.TaskDir(task), "download.zip")
	defer func() { _ = os.Remove(download) }()
	if _, err := s.executor.Download(ctx, out.ResultURL, download); err != nil {
		return err
	}

	files := s.artifacts.FilesDir(task)
	if err := os.RemoveAll(files); err != nil {
		return err
	}
	progress := joblog.NewFallback(s.logger.With("task_id", task.ID))
	n, err := ziputil.Extract(ctx, download, files, progress)
	if err != nil {
		return err
	}
	kept, err := ziputil.Write(ctx, s.artifacts.ArchivePath(task), files, s.patterns[task.Kind])
	if err != nil {
		return err
	}
	s.writeLog(task, fmt.Sprintf("Fetched %d result files, %d kept in the result archive", n, kept))
	return nil
}

// RenewLease bumps updated_at of a live Task.
func (s *Service) RenewLease(ctx context.Context, id uuid.UUID) error {
	_, err := s.update(ctx, id, "renew_lease", func(task *domain.Task) error {
		if task.IsFinished {
			return nil
		}
		task.UpdatedAt = time.Now().UTC()
		return s.save(ctx, task)
	})
	return err
}

// ExpireLease fails a live Task that the Executor no longer accounts for.
func (s *Service) ExpireLease(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := s.update(ctx, id, "expire_lease", func(task *domain.Task) error {
		if task.IsFinished {
			return nil
		}
		return s.fail(ctx, task, reason)
	})
	return err
}

// ScheduleCollection queues result retrieval for a Task in FETCHING_RESULTS.
func (s *Service) ScheduleCollection(id uuid.UUID) error {
	return s.collector.Enqueue(id)
}

// update loads the Task under its lock and runs fn. When the Task was
// unfinished at load time and is stored as finished afterwards, a
// TaskFinished event is emitted once the lock is released.
func (s *Service) update(ctx context.Context, id uuid.UUID, op string, fn func(task *domain.Task) error) (*domain.Task, error) {
	unlock := s.locks.lock(id)

	task, err := s.tasks.GetTask(ctx, id)
	if err != nil {
		unlock()
		return nil, NewServiceError(op, "failed to load task", err)
	}
	wasFinished := task.IsFinished

	fnErr := fn(task)

	var finished *domain.Task
	if !wasFinished {
		if stored, err := s.tasks.GetTask(ctx, id); err == nil && stored.IsFinished {
			finished = stored
		}
	}
	unlock()

	if finished != nil {
		s.emitFinished(ctx, finished)
	}
	return task, fnErr
}

func (s *Service) emitFinished(ctx context.Context, task *domain.Task) {
	if s.emitter == nil {
		return
	}
	ev, err := events.NewTaskFinished(task)
	if err != nil {
		s.logger.Error("failed to build task finished event", "task_id", task.ID, "error", err)
		return
	}
	if err := s.emitter.EmitEvent(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Error("task finished handler failed", "task_id", task.ID, "error", err)
	}
}

func (s *Service) save(ctx context.Context, task *domain.Task) error {
	if err := s.tasks.UpdateTask(ctx, task); err != nil {
		if errors.Is(err, domain.ErrTaskFinished) {
			return err
		}
		s.logger.Error("failed to update task", "task_id", task.ID, "status", task.Status, "error", err)
		return NewServiceError("update_task", "failed to save task", err)
	}
	return nil
}

// fail records msg in the Task log, then moves the Task to ERROR.
func (s *Service) fail(ctx context.Context, task *domain.Task, msg string) error {
	s.writeLog(task, msg)
	if err := task.Fail(msg); err != nil {
		return err
	}
	return s.save(ctx, task)
}

// failAndLog is fail for paths that already return a more specific error.
func (s *Service) failAndLog(ctx context.Context, task *domain.Task, msg string) {
	if err := s.fail(ctx, task, msg); err != nil {
		s.logger.Error("failed to mark task as failed", "task_id", task.ID, "error", err)
	}
}

func (s *Service) writeLog(task *domain.Task, msg string) {
	if err := s.artifacts.AppendLog(task, msg); err != nil {
		s.logger.Error("failed to write task log", "task_id", task.ID, "error", err)
	}
}

// hasLog reports whether an Executor status carried a snapshot. A JSON null
// decodes into the literal "null".
func hasLog(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed != "" && trimmed != "null"
}

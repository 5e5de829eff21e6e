package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/discover-tasks/internal/domain"
	"github.com/phrazzld/discover-tasks/internal/events"
	"github.com/phrazzld/discover-tasks/internal/store"
	"github.com/phrazzld/discover-tasks/internal/tasking"
)

// ErrPipelineNotFound indicates that the Pipeline does not exist.
var ErrPipelineNotFound = errors.New("pipeline not found")

// Tasks is the part of tasking.Service the Orchestrator drives.
type Tasks interface {
	CreateTask(ctx context.Context, p tasking.CreateParams) (*domain.Task, error)
	StartTask(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	CancelTask(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	GetProgress(ctx context.Context, id uuid.UUID) (*domain.Progress, error)
	FullLog(ctx context.Context, id uuid.UUID) (string, error)
}

// CreateParams describes a new Pipeline.
type CreateParams struct {
	Kind        string
	Name        string
	RequestedBy string
	DatasetID   *uuid.UUID
	Parameters  json.RawMessage
}

// Progress is the polling view of a Pipeline: its own status plus the
// progress of the latest started stage.
type Progress struct {
	Status     domain.PipelineStatus `json:"status"`
	IsFinished bool                  `json:"is_finished"`
	Stage      string                `json:"stage,omitempty"`
	StageIndex int                   `json:"stage_index,omitempty"`
	StageCount int                   `json:"stage_count"`
	Task       *domain.Progress      `json:"task,omitempty"`
}

// Orchestrator advances Pipelines as their stage Tasks finish. It is
// registered as an events.EventHandler for TaskFinished events.
type Orchestrator struct {
	pipelines store.PipelineStore
	stages    store.TaskStore
	tasks     Tasks
	registry  *Registry
	logger    *slog.Logger

	// mu serialises Pipeline state changes. It is never held while calling
	// into Tasks, which may emit events handled by the Orchestrator itself.
	mu sync.Mutex
}

var _ events.EventHandler = (*Orchestrator)(nil)

// NewOrchestrator creates an Orchestrator. stages is used to find the Tasks
// belonging to a Pipeline.
func NewOrchestrator(pipelines store.PipelineStore, stages store.TaskStore, tasks Tasks, registry *Registry, logger *slog.Logger) (*Orchestrator, error) {
	switch {
	case pipelines == nil:
		return nil, errors.New("pipeline store cannot be nil")
	case stages == nil:
		return nil, errors.New("task store cannot be nil")
	case tasks == nil:
		return nil, errors.New("tasks cannot be nil")
	case registry == nil:
		return nil, errors.New("registry cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		pipelines: pipelines,
		stages:    stages,
		tasks:     tasks,
		registry:  registry,
		logger:    logger.With("component", "pipeline_orchestrator"),
	}, nil
}

// Registry returns the known pipeline kinds.
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// CreatePipeline stores a Pipeline and starts its first stage. Parameters
// are checked against every stage before anything is stored.
func (o *Orchestrator) CreatePipeline(ctx context.Context, p CreateParams) (*domain.Pipeline, error) {
	def, err := o.registry.Get(p.Kind)
	if err != nil {
		return nil, err
	}
	pl, err := domain.NewPipeline(p.Kind, p.Name, p.RequestedBy, p.DatasetID, p.Parameters)
	if err != nil {
		return nil, err
	}
	for _, s := range def.Stages {
		if _, err := s.Build(pl, nil); err != nil {
			return nil, err
		}
	}

	if err := o.pipelines.CreatePipeline(ctx, pl); err != nil {
		return nil, fmt.Errorf("failed to save pipeline: %w", err)
	}
	o.logger.Info("pipeline created", "pipeline_id", pl.ID, "kind", pl.Kind, "stages", len(def.Stages))

	if err := o.advance(ctx, pl.ID); err != nil {
		o.logger.Error("failed to start pipeline", "pipeline_id", pl.ID, "error", err)
	}
	return o.GetPipeline(ctx, pl.ID)
}

// GetPipeline returns a Pipeline by id.
func (o *Orchestrator) GetPipeline(ctx context.Context, id uuid.UUID) (*domain.Pipeline, error) {
	pl, err := o.pipelines.GetPipeline(ctx, id)
	if errors.Is(err, store.ErrPipelineNotFound) {
		return nil, ErrPipelineNotFound
	}
	return pl, err
}

// HandleEvent implements events.EventHandler. Finished stage Tasks move
// their Pipeline forward; other events are ignored.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev *events.Event) error {
	if ev.Type != events.TypeTaskFinished {
		return nil
	}
	var payload events.TaskFinished
	if err := ev.UnmarshalPayload(&payload); err != nil {
		return fmt.Errorf("invalid task finished payload: %w", err)
	}
	if payload.PipelineID == nil {
		return nil
	}

	o.logger.Debug("stage finished",
		"pipeline_id", *payload.PipelineID, "task_id", payload.TaskID, "status", payload.Status)
	err := o.advance(ctx, *payload.PipelineID)
	if errors.Is(err, ErrPipelineNotFound) {
		return nil
	}
	return err
}

// Resume advances every unfinished Pipeline once. It picks up stages whose
// TaskFinished event was never handled, for example because the process
// stopped right after the stage finished. It returns how many Pipelines were
// examined; a Pipeline that fails to advance is logged and skipped.
func (o *Orchestrator) Resume(ctx context.Context) (int, error) {
	pipelines, err := o.pipelines.ListUnfinishedPipelines(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list unfinished pipelines: %w", err)
	}
	for _, pl := range pipelines {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if err := o.advance(ctx, pl.ID); err != nil && !errors.Is(err, ErrPipelineNotFound) {
			o.logger.Warn("failed to resume pipeline", "pipeline_id", pl.ID, "error", err)
		}
	}
	return len(pipelines), nil
}

// Run resumes unfinished Pipelines immediately and then every interval
// until ctx is done.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := o.Resume(ctx); err != nil && ctx.Err() == nil {
			o.logger.Error("pipeline resume failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// advance starts the next stage of the Pipeline, or finishes the Pipeline
// when there is nothing left to start.
func (o *Orchestrator) advance(ctx context.Context, id uuid.UUID) error {
	next, err := o.prepareNext(ctx, id)
	if err != nil || next == nil {
		return err
	}

	_, err = o.tasks.StartTask(ctx, next.ID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, tasking.ErrDispatchFailed):
		// The stage is ERROR and its TaskFinished event already failed the Pipeline.
		o.logger.Warn("pipeline stage was not accepted",
			"pipeline_id", id, "stage", next.Stage, "task_id", next.ID, "error", err)
		return nil
	case errors.Is(err, domain.ErrTaskFinished):
		// Cancelled between creation and dispatch.
		return nil
	}
	return err
}

// prepareNext decides what happens to the Pipeline after its latest stage
// changed. It returns the newly created stage Task that must be started,
// or nil.
func (o *Orchestrator) prepareNext(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	pl, err := o.GetPipeline(ctx, id)
	if err != nil {
		return nil, err
	}
	if pl.IsFinished {
		return nil, nil
	}
	def, err := o.registry.Get(pl.Kind)
	if err != nil {
		o.finish(ctx, pl, domain.PipelineStatusError)
		return nil, err
	}

	current, idx, err := o.latestStage(ctx, pl, def)
	if err != nil {
		return nil, err
	}
	if current != nil {
		if !current.IsFinished {
			return nil, nil
		}
		if current.Status != domain.TaskStatusSuccess {
			o.finish(ctx, pl, domain.PipelineStatusFromTask(current.Status))
			return nil, nil
		}
	}

	if idx+1 >= len(def.Stages) {
		o.finish(ctx, pl, domain.PipelineStatusSuccess)
		return nil, nil
	}
	stage := def.Stages[idx+1]

	params, err := stage.Build(pl, current)
	if err != nil {
		o.finish(ctx, pl, domain.PipelineStatusError)
		return nil, fmt.Errorf("failed to build stage %s: %w", stage.Name, err)
	}
	task, err := o.tasks.CreateTask(ctx, tasking.CreateParams{
		Kind:        stage.TaskKind,
		Name:        stageTaskName(pl, stage),
		RequestedBy: pl.RequestedBy,
		Parameters:  params,
		DatasetID:   pl.DatasetID,
		PipelineID:  &pl.ID,
		Stage:       stage.Name,
	})
	if err != nil {
		o.finish(ctx, pl, domain.PipelineStatusError)
		return nil, fmt.Errorf("failed to create stage %s: %w", stage.Name, err)
	}

	if pl.Status != domain.PipelineStatusRunning {
		if err := pl.SetStatus(domain.PipelineStatusRunning); err != nil {
			return nil, err
		}
		if err := o.pipelines.UpdatePipeline(ctx, pl); err != nil {
			o.logger.Error("failed to mark pipeline running", "pipeline_id", pl.ID, "error", err)
		}
	}
	o.logger.Info("pipeline stage created",
		"pipeline_id", pl.ID, "stage", stage.Name, "stage_index", idx+1, "task_id", task.ID)
	return task, nil
}

// latestStage returns the stage Task furthest along the declaration order
// and its index, or nil and -1 when no stage has started.
func (o *Orchestrator) latestStage(ctx context.Context, pl *domain.Pipeline, def Definition) (*domain.Task, int, error) {
	byStage, err := o.stageTasks(ctx, pl.ID)
	if err != nil {
		return nil, -1, err
	}
	for i := len(def.Stages) - 1; i >= 0; i-- {
		if t, ok := byStage[def.Stages[i].Name]; ok {
			return t, i, nil
		}
	}
	return nil, -1, nil
}

func (o *Orchestrator) stageTasks(ctx context.Context, id uuid.UUID) (map[string]*domain.Task, error) {
	tasks, err := o.stages.ListPipelineTasks(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list pipeline stages: %w", err)
	}
	byStage := make(map[string]*domain.Task, len(tasks))
	for _, t := range tasks {
		byStage[t.Stage] = t
	}
	return byStage, nil
}

func (o *Orchestrator) finish(ctx context.Context, pl *domain.Pipeline, status domain.PipelineStatus) {
	if err := pl.SetStatus(status); err != nil {
		return
	}
	if err := o.pipelines.UpdatePipeline(ctx, pl); err != nil && !errors.Is(err, domain.ErrPipelineFinished) {
		o.logger.Error("failed to finish pipeline", "pipeline_id", pl.ID, "status", status, "error", err)
		return
	}
	o.logger.Info("pipeline finished", "pipeline_id", pl.ID, "kind", pl.Kind, "status", status)
}

// CancelPipeline marks the Pipeline CANCELLED and cancels its running
// stage. The Pipeline is cancelled even when the stage cancel fails.
func (o *Orchestrator) CancelPipeline(ctx context.Context, id uuid.UUID) (*domain.Pipeline, error) {
	pl, running, err := o.markCancelled(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, t := range running {
		if _, err := o.tasks.CancelTask(ctx, t.ID); err != nil && !errors.Is(err, domain.ErrTaskFinished) {
			o.logger.Warn("failed to cancel pipeline stage",
				"pipeline_id", id, "stage", t.Stage, "task_id", t.ID, "error", err)
		}
	}
	return pl, nil
}

func (o *Orchestrator) markCancelled(ctx context.Context, id uuid.UUID) (*domain.Pipeline, []*domain.Task, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	pl, err := o.GetPipeline(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if pl.IsFinished {
		return nil, nil, domain.ErrPipelineFinished
	}
	byStage, err := o.stageTasks(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	var running []*domain.Task
	for _, t := range byStage {
		if !t.IsFinished {
			running = append(running, t)
		}
	}

	if err := pl.SetStatus(domain.PipelineStatusCancelled); err != nil {
		return nil, nil, err
	}
	if err := o.pipelines.UpdatePipeline(ctx, pl); err != nil {
		return nil, nil, err
	}
	o.logger.Info("pipeline cancelled", "pipeline_id", pl.ID, "running_stages", len(running))
	return pl, running, nil
}

// GetProgress reports the Pipeline status and the progress of its most
// recently started stage.
func (o *Orchestrator) GetProgress(ctx context.Context, id uuid.UUID) (*Progress, error) {
	pl, err := o.GetPipeline(ctx, id)
	if err != nil {
		return nil, err
	}
	p := &Progress{Status: pl.Status, IsFinished: pl.IsFinished}

	def, err := o.registry.Get(pl.Kind)
	if err != nil {
		return p, nil
	}
	p.StageCount = len(def.Stages)

	current, idx, err := o.latestStage(ctx, pl, def)
	if err != nil || current == nil {
		return p, err
	}
	p.Stage = current.Stage
	p.StageIndex = idx + 1
	p.Task, err = o.tasks.GetProgress(ctx, current.ID)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// FullLog concatenates the logs of the started stages in declaration
// order, each under a heading naming the stage.
func (o *Orchestrator) FullLog(ctx context.Context, id uuid.UUID) (string, error) {
	pl, err := o.GetPipeline(ctx, id)
	if err != nil {
		return "", err
	}
	def, err := o.registry.Get(pl.Kind)
	if err != nil {
		return "", err
	}
	byStage, err := o.stageTasks(ctx, id)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, s := range def.Stages {
		t, ok := byStage[s.Name]
		if !ok {
			continue
		}
		log, err := o.tasks.FullLog(ctx, t.ID)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "TASK %s\n\n%s\n\n", strings.ToUpper(s.Name), log)
	}
	return b.String(), nil
}

func stageTaskName(pl *domain.Pipeline, s Stage) string {
	if pl.Name == "" {
		return s.Name
	}
	return pl.Name + " / " + s.Name
}

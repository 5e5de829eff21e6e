package tasking

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/phrazzld/discover-tasks/internal/events"
)

// Notice tells a requester that one of their Tasks finished.
type Notice struct {
	To      string
	Subject string
	Body    string
}

// NoticeSender delivers Notices to requesters.
type NoticeSender interface {
	SendNotice(ctx context.Context, n Notice) error
}

// LogNoticeSender writes Notices as info-level log records tagged
// notice=true, for a mail relay reading the logs to deliver.
type LogNoticeSender struct {
	logger *slog.Logger
}

// NewLogNoticeSender creates a LogNoticeSender.
func NewLogNoticeSender(logger *slog.Logger) *LogNoticeSender {
	return &LogNoticeSender{logger: logger.With("component", "notices")}
}

// SendNotice implements NoticeSender.
func (s *LogNoticeSender) SendNotice(ctx context.Context, n Notice) error {
	s.logger.InfoContext(ctx, n.Subject, "notice", true, "to", n.To, "body", n.Body)
	return nil
}

// FinishNotices sends a Notice for every finished Task whose requester is
// an email address. Stage Tasks of a Pipeline are skipped.
type FinishNotices struct {
	sender   NoticeSender
	validate *validator.Validate
	logger   *slog.Logger
}

var _ events.EventHandler = (*FinishNotices)(nil)

// NewFinishNotices creates a FinishNotices handler.
func NewFinishNotices(sender NoticeSender, logger *slog.Logger) *FinishNotices {
	return &FinishNotices{
		sender:   sender,
		validate: validator.New(),
		logger:   logger.With("component", "finish_notices"),
	}
}

// HandleEvent implements events.EventHandler.
func (f *FinishNotices) HandleEvent(ctx context.Context, ev *events.Event) error {
	if ev.Type != events.TypeTaskFinished {
		return nil
	}
	var payload events.TaskFinished
	if err := ev.UnmarshalPayload(&payload); err != nil {
		return fmt.Errorf("invalid task finished payload: %w", err)
	}
	if payload.PipelineID != nil {
		return nil
	}
	if err := f.validate.Var(payload.RequestedBy, "required,email"); err != nil {
		return nil
	}

	name := payload.Name
	if name == "" {
		name = payload.TaskID.String()
	}
	body := fmt.Sprintf("Your %s task %q finished with status %s.", payload.Kind, name, payload.Status)
	if payload.Error != "" {
		body += "\n\n" + payload.Error
	}
	err := f.sender.SendNotice(ctx, Notice{
		To:      payload.RequestedBy,
		Subject: fmt.Sprintf("Task %s: %s", name, payload.Status),
		Body:    body,
	})
	if err != nil {
		// A lost notice must not fail the state change that emitted it.
		f.logger.Warn("failed to send finish notice", "task_id", payload.TaskID, "error", err)
	}
	return nil
}

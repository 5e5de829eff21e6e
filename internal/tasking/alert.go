package tasking

import (
	"context"
	"log/slog"
)

// Alerter tells operators about conditions that need a human, such as an
// unreachable Executor.
type Alerter interface {
	Alert(ctx context.Context, subject, body string)
}

// LogAlerter reports alerts as error-level log records tagged alert=true,
// for log-based alerting to pick up.
type LogAlerter struct {
	logger *slog.Logger
}

// NewLogAlerter creates a LogAlerter.
func NewLogAlerter(logger *slog.Logger) *LogAlerter {
	return &LogAlerter{logger: logger.With("component", "alerter")}
}

// Alert implements Alerter.
func (a *LogAlerter) Alert(ctx context.Context, subject, body string) {
	a.logger.ErrorContext(ctx, subject, "alert", true, "detail", body)
}

package joblog

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Registry holds the live Logger of every running job. It is owned by the
// job runtime and replaces any process-wide lookup of the current job.
type Registry struct {
	mu      sync.Mutex
	loggers map[string]*Logger
	sink    Sink
	ttl     time.Duration
	logger  *slog.Logger
}

// NewRegistry creates a Registry whose Loggers mirror to sink.
func NewRegistry(sink Sink, ttl time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		loggers: make(map[string]*Logger),
		sink:    sink,
		ttl:     ttl,
		logger:  logger.With("component", "job_logger"),
	}
}

// Acquire returns the Logger for jobID, creating it on first use.
func (r *Registry) Acquire(ctx context.Context, jobID, description string) *Logger {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.loggers[jobID]; ok {
		return l
	}
	l := New(ctx, jobID, description, r.sink, r.ttl, r.logger)
	r.loggers[jobID] = l
	return l
}

// Get returns the live Logger for jobID.
func (r *Registry) Get(jobID string) (*Logger, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.loggers[jobID]
	return l, ok
}

// Release discards the Logger for jobID.
func (r *Registry) Release(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.loggers, jobID)
}

// Len returns the number of live Loggers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.loggers)
}

// Fallback is a Reporter for code running outside any job. It only writes
// to the process logger.
type Fallback struct {
	logger *slog.Logger
}

var _ Reporter = (*Fallback)(nil)

// NewFallback returns a Reporter backed by logger.
func NewFallback(logger *slog.Logger) *Fallback {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fallback{logger: logger}
}

func (f *Fallback) Info(msg string)  { f.logger.Info(msg) }
func (f *Fallback) Error(msg string) { f.logger.Error(msg) }

func (f *Fallback) Warning(msg string, opts ...WarningOption) {
	var o warningOptions
	for _, opt := range opts {
		opt(&o)
	}
	f.logger.Warn(msg, "collapse_key", o.collapseKey)
}

func (f *Fallback) Progress(current, total int, title string, opts ...ProgressOption) {
	f.logger.Debug("progress", "title", title, "current", current, "total", total)
}

package joblog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	// MaxInfos bounds the info ring kept in snapshots.
	MaxInfos = 10
	// DefaultTTL is how long a mirrored snapshot stays readable.
	DefaultTTL = 24 * time.Hour
	// maxWarningExamples is how many collapsed messages a summary quotes.
	maxWarningExamples = 3
)

// Snapshot statuses. A running job reports StatusProgress; the final
// snapshot carries StatusSuccess or StatusError.
const (
	StatusProgress = "PROGRESS"
	StatusSuccess  = "SUCCESS"
	StatusError    = "ERROR"
)

// Sink persists snapshots. Each call replaces the previous snapshot for the job.
type Sink interface {
	StoreState(ctx context.Context, state *State, ttl time.Duration) error
}

// Reporter is what actor code writes to. A *Logger is the job-scoped
// implementation; Fallback serves code running outside a job.
type Reporter interface {
	Info(msg string)
	Warning(msg string, opts ...WarningOption)
	Error(msg string)
	Progress(current, total int, title string, opts ...ProgressOption)
}

// ProgressEntry is one live progress bar.
type ProgressEntry struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Context string `json:"context"`
}

// State is the externally visible snapshot of a job's log.
type State struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	Description string          `json:"description,omitempty"`
	Errors      []string        `json:"errors"`
	Progress    []ProgressEntry `json:"progress"`
	Infos       []string        `json:"infos"`
	Warnings    []string        `json:"warnings,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
}

// IsFinal reports whether the snapshot was written at job termination.
func (s *State) IsFinal() bool {
	return s.Status == StatusSuccess || s.Status == StatusError
}

type warningOptions struct {
	collapseKey     string
	includeWarnings bool
	noMirror        bool
}

// WarningOption customises a Warning call.
type WarningOption func(*warningOptions)

// Collapse groups the warning under key; snapshots show a count and a few examples.
func Collapse(key string) WarningOption {
	return func(o *warningOptions) { o.collapseKey = key }
}

// Send mirrors a snapshot that includes the accumulated warnings.
func Send() WarningOption {
	return func(o *warningOptions) { o.includeWarnings = true }
}

// Quiet records the warning without mirroring a snapshot.
func Quiet() WarningOption {
	return func(o *warningOptions) { o.noMirror = true }
}

type progressOptions struct {
	key    string
	end    bool
	noSend bool
}

// ProgressOption customises a Progress call.
type ProgressOption func(*progressOptions)

// WithKey identifies the bar; it defaults to the title.
func WithKey(key string) ProgressOption {
	return func(o *progressOptions) { o.key = key }
}

// End removes the bar.
func End() ProgressOption {
	return func(o *progressOptions) { o.end = true }
}

// NoSend updates the bar without mirroring.
func NoSend() ProgressOption {
	return func(o *progressOptions) { o.noSend = true }
}

// Logger accumulates one job's infos, warnings, errors and progress and
// mirrors a snapshot to a Sink after each mutation.
type Logger struct {
	mu sync.Mutex

	ctx         context.Context
	id          string
	description string
	sink        Sink
	ttl         time.Duration
	log         *slog.Logger

	status        string
	output        json.RawMessage
	infos         []string
	errors        []string
	warnings      []string
	collapsed     map[string][]string
	collapseOrder []string
	progress      map[string]ProgressEntry
	progressOrder []string
}

var _ Reporter = (*Logger)(nil)

// New creates a Logger for job id. Mirroring uses ctx stripped of
// cancellation, so the final snapshot is written even after an abort.
func New(ctx context.Context, id, description string, sink Sink, ttl time.Duration, log *slog.Logger) *Logger {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Logger{
		ctx:         context.WithoutCancel(ctx),
		id:          id,
		description: description,
		sink:        sink,
		ttl:         ttl,
		log:         log.With("job_id", id),
		status:      StatusProgress,
		collapsed:   make(map[string][]string),
		progress:    make(map[string]ProgressEntry),
	}
}

// ID returns the job id.
func (l *Logger) ID() string { return l.id }

// Info records a message; only the most recent MaxInfos are kept.
func (l *Logger) Info(msg string) {
	l.log.Info(msg)

	l.mu.Lock()
	l.infos = append(l.infos, msg)
	if len(l.infos) > MaxInfos {
		l.infos = append([]string(nil), l.infos[len(l.infos)-MaxInfos:]...)
	}
	state := l.snapshotLocked(false)
	l.mu.Unlock()

	l.mirror(state)
}

// Warning records a message. Collapsed warnings are summarised per key.
func (l *Logger) Warning(msg string, opts ...WarningOption) {
	var o warningOptions
	for _, opt := range opts {
		opt(&o)
	}
	l.log.Warn(msg, "collapse_key", o.collapseKey)

	l.mu.Lock()
	if o.collapseKey != "" {
		if _, ok := l.collapsed[o.collapseKey]; !ok {
			l.collapseOrder = append(l.collapseOrder, o.collapseKey)
		}
		l.collapsed[o.collapseKey] = append(l.collapsed[o.collapseKey], msg)
	} else {
		l.warnings = append(l.warnings, msg)
	}
	var state *State
	if !o.noMirror {
		state = l.snapshotLocked(o.includeWarnings)
	}
	l.mu.Unlock()

	if state != nil {
		l.mirror(state)
	}
}

// Error records an error message.
func (l *Logger) Error(msg string) {
	l.log.Error(msg)

	l.mu.Lock()
	l.errors = append(l.errors, msg)
	state := l.snapshotLocked(false)
	l.mu.Unlock()

	l.mirror(state)
}

// Progress creates or updates a bar, or removes it with End.
func (l *Logger) Progress(current, total int, title string, opts ...ProgressOption) {
	var o progressOptions
	for _, opt := range opts {
		opt(&o)
	}
	key := o.key
	if key == "" {
		key = title
	}

	l.mu.Lock()
	if o.end {
		if _, ok := l.progress[key]; ok {
			delete(l.progress, key)
			l.progressOrder = removeString(l.progressOrder, key)
		}
	} else {
		if _, ok := l.progress[key]; !ok {
			l.progressOrder = append(l.progressOrder, key)
		}
		l.progress[key] = ProgressEntry{Current: current, Total: total, Context: title}
	}
	var state *State
	if !o.noSend {
		state = l.snapshotLocked(false)
	}
	l.mu.Unlock()

	l.log.Debug("progress", "title", title, "current", current, "total", total, "end", o.end)
	if state != nil {
		l.mirror(state)
	}
}

// Terminate mirrors the final snapshot with its warnings. status is
// StatusSuccess or StatusError; output is only kept on success.
func (l *Logger) Terminate(status string, output json.RawMessage) {
	l.mu.Lock()
	l.status = status
	if status == StatusSuccess {
		l.output = output
	}
	l.progress = make(map[string]ProgressEntry)
	l.progressOrder = nil
	state := l.snapshotLocked(true)
	l.mu.Unlock()

	l.mirror(state)
}

// Snapshot returns the current state. Warnings are included only when full is set.
func (l *Logger) Snapshot(full bool) *State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked(full)
}

// Warnings returns individual warnings followed by one summary per collapse key.
func (l *Logger) Warnings() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.warningsLocked()
}

func (l *Logger) warningsLocked() []string {
	out := append([]string{}, l.warnings...)
	for _, key := range l.collapseOrder {
		out = append(out, summarize(key, l.collapsed[key]))
	}
	return out
}

func (l *Logger) snapshotLocked(full bool) *State {
	state := &State{
		ID:          l.id,
		Status:      l.status,
		Description: l.description,
		Errors:      append([]string{}, l.errors...),
		Infos:       append([]string{}, l.infos...),
		Progress:    make([]ProgressEntry, 0, len(l.progressOrder)),
		Output:      l.output,
	}
	for _, key := range l.progressOrder {
		state.Progress = append(state.Progress, l.progress[key])
	}
	if full {
		state.Warnings = l.warningsLocked()
	}
	return state
}

func (l *Logger) mirror(state *State) {
	if l.sink == nil {
		return
	}
	if err := l.sink.StoreState(l.ctx, state, l.ttl); err != nil {
		l.log.Warn("failed to mirror job state", "error", err)
	}
}

func summarize(key string, messages []string) string {
	n := len(messages)
	examples := messages
	if len(examples) > maxWarningExamples {
		examples = examples[:maxWarningExamples]
	}
	return fmt.Sprintf("%d %s warnings. Examples of such warning messages:\n\n%s",
		n, key, strings.Join(examples, "\n"))
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

package tasking

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// CollectorConfig holds configuration options for the result collector
type CollectorConfig struct {
	// WorkerCount determines how many results are fetched concurrently
	// If zero or negative, defaults to 1
	WorkerCount int

	// QueueSize bounds the Tasks waiting for a worker
	QueueSize int
}

// DefaultCollectorConfig returns a CollectorConfig with reasonable defaults
func DefaultCollectorConfig() CollectorConfig {
	return CollectorConfig{
		WorkerCount: 2,
		QueueSize:   100,
	}
}

// Collector is a pool of workers that retrieve results for Tasks in
// FETCHING_RESULTS. A Task is held at most once between Enqueue and the
// end of its processing, so repeated Enqueue calls are harmless.
type Collector struct {
	queue       chan uuid.UUID
	workerCount int
	process     func(ctx context.Context, taskID uuid.UUID) error

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu      sync.Mutex
	pending map[uuid.UUID]bool
	closed  bool
}

// NewCollector creates a Collector that hands each Task id to process.
func NewCollector(config CollectorConfig, process func(ctx context.Context, taskID uuid.UUID) error, logger *slog.Logger) *Collector {
	if config.WorkerCount <= 0 {
		logger.Warn("invalid worker count specified, using default",
			"specified_count", config.WorkerCount,
			"default_count", 1)
		config.WorkerCount = 1
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultCollectorConfig().QueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Collector{
		queue:       make(chan uuid.UUID, config.QueueSize),
		workerCount: config.WorkerCount,
		process:     process,
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger.With("component", "result_collector"),
		pending:     make(map[uuid.UUID]bool),
	}
}

// Start launches the workers
func (c *Collector) Start() {
	c.logger.Info("starting result collector", "worker_count", c.workerCount)
	for i := 0; i < c.workerCount; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}
}

// Stop cancels in-flight retrievals and waits for the workers to exit.
// Tasks left in FETCHING_RESULTS are picked up again by the lease monitor.
func (c *Collector) Stop() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.logger.Info("result collector stopped")
}

// Enqueue schedules result retrieval for a Task.
func (c *Collector) Enqueue(taskID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrCollectorStopped
	}
	if c.pending[taskID] {
		c.logger.Debug("result retrieval already scheduled", "task_id", taskID)
		return nil
	}

	select {
	case c.queue <- taskID:
		c.pending[taskID] = true
		return nil
	default:
		return fmt.Errorf("result queue capacity %d reached", cap(c.queue))
	}
}

func (c *Collector) worker(id int) {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case taskID := <-c.queue:
			c.run(taskID, id)
		}
	}
}

func (c *Collector) run(taskID uuid.UUID, workerID int) {
	defer func() {
		c.mu.Lock()
		delete(c.pending, taskID)
		c.mu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic during result retrieval",
				"task_id", taskID,
				"worker_id", workerID,
				"panic", r)
		}
	}()

	if err := c.process(c.ctx, taskID); err != nil {
		c.logger.Error("result retrieval failed",
			"task_id", taskID,
			"worker_id", workerID,
			"error", err)
	}
}

package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Bus delivers events synchronously, on the emitting goroutine, to the
// handlers subscribed to the event's type and then to the handlers
// registered for every type. Handlers run in registration order.
type Bus struct {
	mu     sync.RWMutex
	byType map[string][]EventHandler
	all    []EventHandler
	logger *slog.Logger
}

var _ EventEmitter = (*Bus)(nil)

// NewBus creates a Bus with no handlers.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		byType: make(map[string][]EventHandler),
		logger: logger.With("component", "event_bus"),
	}
}

// Subscribe registers handler for events of eventType only.
func (b *Bus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byType[eventType] = append(b.byType[eventType], handler)
	b.logger.Debug("handler subscribed", "event_type", eventType, "handler_count", len(b.byType[eventType]))
}

// RegisterHandler registers handler for every event type.
func (b *Bus) RegisterHandler(handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, handler)
}

// EmitEvent delivers event to every matching handler. A failing or
// panicking handler does not stop delivery; the errors of all handlers are
// returned joined.
func (b *Bus) EmitEvent(ctx context.Context, event *Event) error {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.byType[event.Type])+len(b.all))
	handlers = append(handlers, b.byType[event.Type]...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()

	if len(handlers) == 0 {
		b.logger.Debug("no handlers for event", "event_id", event.ID, "event_type", event.Type)
		return nil
	}

	var errs []error
	for i, h := range handlers {
		if err := b.deliver(ctx, h, event); err != nil {
			b.logger.Error("event handler failed",
				"event_id", event.ID,
				"event_type", event.Type,
				"handler_index", i,
				"error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Bus) deliver(ctx context.Context, h EventHandler, event *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("event handler panicked: %v", r)
		}
	}()
	return h.HandleEvent(ctx, event)
}

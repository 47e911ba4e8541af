package outbox

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/LerianStudio/lib-reliability/reliability/internal/nilcheck"
	"github.com/LerianStudio/lib-reliability/reliability/log"
)

// EventHandler handles one outbox event. A returned error (or a panic) counts
// as a failed delivery attempt.
type EventHandler func(ctx context.Context, event *Event) error

// EventSink is a message broker or log that accepts serialized events.
type EventSink interface {
	Publish(ctx context.Context, eventType string, payload []byte) error
}

// EnvelopeSink is an EventSink that can use the whole event (id, aggregate,
// headers) when publishing. SinkHandler prefers it when available.
type EnvelopeSink interface {
	EventSink
	PublishEvent(ctx context.Context, event *Event) error
}

// HandlerRegistry stores event handlers by event type.
type HandlerRegistry struct {
	mu             sync.RWMutex
	handlers       map[string]EventHandler
	defaultHandler EventHandler
}

// NewHandlerRegistry returns an empty registry. Without a default handler,
// events of unregistered types fail with ErrHandlerNotRegistered and end up
// dead-lettered rather than dropped.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: map[string]EventHandler{}}
}

// Register associates handler with eventType.
func (registry *HandlerRegistry) Register(eventType string, handler EventHandler) error {
	if registry == nil {
		return ErrHandlerRegistryRequired
	}

	normalizedType := strings.TrimSpace(eventType)
	if normalizedType == "" {
		return ErrEventTypeRequired
	}

	if handler == nil {
		return ErrEventHandlerRequired
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if registry.handlers == nil {
		registry.handlers = make(map[string]EventHandler)
	}

	if _, exists := registry.handlers[normalizedType]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerAlreadyRegistered, normalizedType)
	}

	registry.handlers[normalizedType] = handler

	return nil
}

// SetDefault sets the handler used for event types with no registered handler.
func (registry *HandlerRegistry) SetDefault(handler EventHandler) error {
	if registry == nil {
		return ErrHandlerRegistryRequired
	}

	if handler == nil {
		return ErrEventHandlerRequired
	}

	registry.mu.Lock()
	registry.defaultHandler = handler
	registry.mu.Unlock()

	return nil
}

// HasDefault reports whether a default handler is set.
func (registry *HandlerRegistry) HasDefault() bool {
	if registry == nil {
		return false
	}

	registry.mu.RLock()
	defer registry.mu.RUnlock()

	return registry.defaultHandler != nil
}

// Handle dispatches event to its handler, or to the default handler.
func (registry *HandlerRegistry) Handle(ctx context.Context, event *Event) error {
	if registry == nil {
		return ErrHandlerRegistryRequired
	}

	if event == nil {
		return ErrEventRequired
	}

	eventType := strings.TrimSpace(event.EventType)
	if eventType == "" {
		return ErrEventTypeRequired
	}

	registry.mu.RLock()
	handler, ok := registry.handlers[eventType]
	fallback := registry.defaultHandler
	registry.mu.RUnlock()

	if !ok {
		if fallback == nil {
			return fmt.Errorf("%w: %s", ErrHandlerNotRegistered, eventType)
		}

		handler = fallback
	}

	return handler(ctx, event)
}

// LoggingHandler logs the event and treats it as delivered.
func LoggingHandler(logger log.Logger) EventHandler {
	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	return func(ctx context.Context, event *Event) error {
		logger.Log(ctx, log.LevelInfo, "outbox event delivered to log",
			log.String("event_id", event.ID.String()),
			log.String("event_type", event.EventType),
			log.String("aggregate_type", event.AggregateType),
			log.String("aggregate_id", event.AggregateID),
		)

		return nil
	}
}

// SinkHandler forwards events to sink.
func SinkHandler(sink EventSink) (EventHandler, error) {
	if nilcheck.Interface(sink) {
		return nil, ErrEventSinkRequired
	}

	if envelope, ok := sink.(EnvelopeSink); ok {
		return envelope.PublishEvent, nil
	}

	return func(ctx context.Context, event *Event) error {
		return sink.Publish(ctx, event.EventType, event.Payload)
	}, nil
}

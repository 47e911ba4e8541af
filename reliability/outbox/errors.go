package outbox

import "errors"

var (
	ErrEventRequired            = errors.New("outbox event is required")
	ErrEventNotFound            = errors.New("outbox event not found")
	ErrEventAlreadyExists       = errors.New("outbox event already exists")
	ErrRepositoryRequired       = errors.New("outbox repository is required")
	ErrDispatcherRequired       = errors.New("outbox dispatcher is required")
	ErrDispatcherRunning        = errors.New("outbox dispatcher is already running")
	ErrEventPayloadRequired     = errors.New("outbox event payload is required")
	ErrEventPayloadTooLarge     = errors.New("outbox event payload exceeds maximum allowed size")
	ErrHandlerRegistryRequired  = errors.New("handler registry is required")
	ErrEventTypeRequired        = errors.New("event type is required")
	ErrAggregateRequired        = errors.New("aggregate type and id are required")
	ErrEventHandlerRequired     = errors.New("event handler is required")
	ErrEventSinkRequired        = errors.New("event sink is required")
	ErrHandlerAlreadyRegistered = errors.New("event handler already registered")
	ErrHandlerNotRegistered     = errors.New("event handler is not registered")
	ErrStatusInvalid            = errors.New("invalid outbox status")
	ErrTransitionInvalid        = errors.New("invalid outbox status transition")
	ErrOutboxRequired           = errors.New("outbox is required")
)

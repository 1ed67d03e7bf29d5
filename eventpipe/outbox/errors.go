package outbox

import "errors"

var (
	ErrEntryRequired           = errors.New("outbox entry is required")
	ErrEntryNotFound           = errors.New("outbox entry not found")
	ErrEventRequired           = errors.New("outbox event is required")
	ErrEventTypeRequired       = errors.New("event type is required")
	ErrEventIDRequired         = errors.New("event id is required")
	ErrPayloadRequired         = errors.New("outbox entry payload is required")
	ErrPayloadTooLarge         = errors.New("outbox entry payload exceeds maximum allowed size")
	ErrPayloadNotJSON          = errors.New("outbox entry payload must be valid JSON")
	ErrStoreRequired           = errors.New("outbox store is required")
	ErrBrokerRequired          = errors.New("broker is required")
	ErrProcessorRequired       = errors.New("outbox processor is required")
	ErrProcessorRunning        = errors.New("outbox processor is already running")
	ErrStatusInvalid           = errors.New("invalid outbox status")
	ErrTransitionInvalid       = errors.New("invalid outbox status transition")
	ErrStateTransitionConflict = errors.New("outbox entry changed state concurrently")
	ErrDuplicateEntry          = errors.New("outbox entry already exists")
)

package subscriber

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/LerianStudio/lib-eventpipe/eventpipe/envelope"
)

var (
	// ErrHandlerRequired is returned when registering a nil handler.
	ErrHandlerRequired = errors.New("handler is required")
	// ErrHandlersRequired is returned by New when no handler set is given.
	ErrHandlersRequired = errors.New("handlers are required")
	// ErrPayloadMismatch is returned when a handler's type cannot be built
	// from the payload of the event it was registered for.
	ErrPayloadMismatch = errors.New("payload does not match handler type")
)

// handlerFunc receives the value produced by the registry decoder and the raw
// payload it came from.
type handlerFunc func(ctx context.Context, event any, payload []byte) error

// Handlers maps event types to the handlers that consume them.
type Handlers struct {
	mu     sync.RWMutex
	byType map[string][]handlerFunc
}

// NewHandlers returns an empty handler set.
func NewHandlers() *Handlers {
	return &Handlers{byType: make(map[string][]handlerFunc)}
}

// On registers fn for eventType. Handlers for the same type run in the order
// they were registered.
//
// The registry decoder for eventType normally produces a T already. When it
// produces something else the payload is decoded into T again, and a failure
// there is treated like an unreadable payload.
func On[T any](handlers *Handlers, eventType string, fn func(ctx context.Context, event T) error) error {
	if handlers == nil {
		return ErrHandlersRequired
	}

	if fn == nil {
		return ErrHandlerRequired
	}

	if strings.TrimSpace(eventType) == "" {
		return envelope.ErrEventTypeRequired
	}

	handlers.add(eventType, typed(fn))

	return nil
}

func typed[T any](fn func(ctx context.Context, event T) error) handlerFunc {
	return func(ctx context.Context, event any, payload []byte) error {
		value, ok := event.(T)
		if !ok {
			decoded, err := envelope.Deserialize[T](payload)
			if err != nil {
				return fmt.Errorf("%w: %T: %w", ErrPayloadMismatch, value, err)
			}

			value = decoded
		}

		return fn(ctx, value)
	}
}

func (h *Handlers) add(eventType string, fn handlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.byType == nil {
		h.byType = make(map[string][]handlerFunc)
	}

	h.byType[eventType] = append(h.byType[eventType], fn)
}

// forType returns a snapshot of the handlers for eventType.
func (h *Handlers) forType(eventType string) []handlerFunc {
	h.mu.RLock()
	defer h.mu.RUnlock()

	registered := h.byType[eventType]
	if len(registered) == 0 {
		return nil
	}

	out := make([]handlerFunc, len(registered))
	copy(out, registered)

	return out
}

// Count reports how many handlers are registered for eventType.
func (h *Handlers) Count(eventType string) int {
	if h == nil {
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.byType[eventType])
}

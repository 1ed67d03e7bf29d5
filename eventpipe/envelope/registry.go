package envelope

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

var (
	// ErrEventTypeRequired is returned when registering an empty type name.
	ErrEventTypeRequired = errors.New("event type is required")
	// ErrEventTypeRegistered is returned when a type name is registered twice.
	ErrEventTypeRegistered = errors.New("event type already registered")
)

// Decoder turns an envelope payload into the concrete registered type.
type Decoder func(payload []byte) (any, error)

// Registry maps event type names to decoders. It is populated at startup and
// handed to subscribers explicitly.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]Decoder
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{decoders: make(map[string]Decoder)}
}

// Register binds eventType to T.
func Register[T any](registry *Registry, eventType string) error {
	return registry.add(eventType, func(payload []byte) (any, error) {
		return Deserialize[T](payload)
	})
}

// MustRegister is Register for startup code; it panics on error.
func MustRegister[T any](registry *Registry, eventType string) {
	if err := Register[T](registry, eventType); err != nil {
		panic(err)
	}
}

func (r *Registry) add(eventType string, decoder Decoder) error {
	if strings.TrimSpace(eventType) == "" {
		return ErrEventTypeRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.decoders == nil {
		r.decoders = make(map[string]Decoder)
	}

	if _, ok := r.decoders[eventType]; ok {
		return fmt.Errorf("%w: %s", ErrEventTypeRegistered, eventType)
	}

	r.decoders[eventType] = decoder

	return nil
}

// Lookup returns the decoder registered for eventType.
func (r *Registry) Lookup(eventType string) (Decoder, bool) {
	if r == nil {
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	decoder, ok := r.decoders[eventType]

	return decoder, ok
}

// Types lists the registered type names in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.decoders))
	for eventType := range r.decoders {
		types = append(types, eventType)
	}

	slices.Sort(types)

	return types
}

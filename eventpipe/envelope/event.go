package envelope

import (
	"time"

	"github.com/google/uuid"
)

// Event is implemented by every value that can be published through the
// outbox.
type Event interface {
	EventID() uuid.UUID
	EventType() string
	AggregateID() string
	CorrelationID() string
	OccurredAt() time.Time
}

// Metadata implements Event and is meant to be embedded in concrete event
// structs so the identifying fields travel inside the payload.
type Metadata struct {
	ID          uuid.UUID `json:"eventId"`
	Type        string    `json:"eventType"`
	Aggregate   string    `json:"aggregateId"`
	Correlation string    `json:"correlationId,omitempty"`
	Occurred    time.Time `json:"occurredAt"`
}

// NewMetadata stamps a fresh event id and the current UTC time.
func NewMetadata(eventType, aggregateID, correlationID string) Metadata {
	return Metadata{
		ID:          uuid.New(),
		Type:        eventType,
		Aggregate:   aggregateID,
		Correlation: correlationID,
		Occurred:    time.Now().UTC(),
	}
}

func (m Metadata) EventID() uuid.UUID    { return m.ID }
func (m Metadata) EventType() string     { return m.Type }
func (m Metadata) AggregateID() string   { return m.Aggregate }
func (m Metadata) CorrelationID() string { return m.Correlation }
func (m Metadata) OccurredAt() time.Time { return m.Occurred }

package envelope

import (
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// ErrMalformedEnvelope is returned by Unmarshal when the bytes are not an
// envelope or lack the identifying fields.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// Envelope is the immutable wire representation of one published event.
type Envelope struct {
	MessageID     uuid.UUID `json:"messageId"`
	EventID       uuid.UUID `json:"eventId"`
	EventType     string    `json:"eventType"`
	AggregateID   string    `json:"aggregateId"`
	Payload       string    `json:"payload"`
	CorrelationID string    `json:"correlationId"`
	OccurredAt    time.Time `json:"occurredAt"`
	CreatedAt     time.Time `json:"createdAt"`
}

// New wraps event in an envelope with a fresh message id.
func New(event Event) (Envelope, error) {
	if event == nil {
		return Envelope{}, ErrNilEvent
	}

	payload, err := Serialize(event)
	if err != nil {
		return Envelope{}, err
	}

	return Envelope{
		MessageID:     uuid.New(),
		EventID:       event.EventID(),
		EventType:     event.EventType(),
		AggregateID:   event.AggregateID(),
		Payload:       string(payload),
		CorrelationID: event.CorrelationID(),
		OccurredAt:    event.OccurredAt().UTC(),
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// PartitionKey is the routing key used by the broker.
func (e Envelope) PartitionKey() string {
	return e.AggregateID
}

// PayloadBytes returns the encoded event body.
func (e Envelope) PayloadBytes() []byte {
	return []byte(e.Payload)
}

// Marshal encodes the envelope in its wire format.
func (e Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	return data, nil
}

// Unmarshal decodes a wire envelope.
func Unmarshal(data []byte) (Envelope, error) {
	var env Envelope

	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}

	if env.EventID == uuid.Nil || env.EventType == "" {
		return Envelope{}, fmt.Errorf("%w: missing eventId or eventType", ErrMalformedEnvelope)
	}

	return env, nil
}

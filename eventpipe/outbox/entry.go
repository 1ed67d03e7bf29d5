package outbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/LerianStudio/lib-eventpipe/eventpipe"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/envelope"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/internal/nilcheck"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// DefaultMaxPayloadBytes bounds a serialized event body.
const DefaultMaxPayloadBytes = 1 << 20

// Entry is one event waiting in, or already relayed from, the outbox.
type Entry struct {
	ID            uuid.UUID
	EventID       uuid.UUID
	EventType     string
	AggregateID   string
	Payload       []byte
	CorrelationID string
	OccurredAt    time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
	PublishedAt   *time.Time
	RetryCount    int
	LastError     string
	Status        Status
}

// NewEntry serializes event into a PENDING entry. A blank correlation id on
// the event is filled from ctx.
func NewEntry(ctx context.Context, event envelope.Event) (*Entry, error) {
	if nilcheck.Interface(event) {
		return nil, ErrEventRequired
	}

	payload, err := envelope.Serialize(event)
	if err != nil {
		return nil, fmt.Errorf("outbox entry payload: %w", err)
	}

	correlationID := strings.TrimSpace(event.CorrelationID())
	if correlationID == "" && ctx != nil {
		correlationID = eventpipe.CorrelationIDFromContext(ctx)
	}

	occurredAt := event.OccurredAt().UTC()
	now := time.Now().UTC()

	if occurredAt.IsZero() {
		occurredAt = now
	}

	entry := &Entry{
		ID:            uuid.New(),
		EventID:       event.EventID(),
		EventType:     strings.TrimSpace(event.EventType()),
		AggregateID:   event.AggregateID(),
		Payload:       payload,
		CorrelationID: correlationID,
		OccurredAt:    occurredAt,
		CreatedAt:     now,
		UpdatedAt:     now,
		Status:        StatusPending,
	}

	if err := entry.Validate(); err != nil {
		return nil, err
	}

	return entry, nil
}

// Validate checks the fields every store relies on.
func (entry *Entry) Validate() error {
	if entry == nil {
		return ErrEntryRequired
	}

	if entry.EventID == uuid.Nil {
		return ErrEventIDRequired
	}

	if strings.TrimSpace(entry.EventType) == "" {
		return ErrEventTypeRequired
	}

	if len(entry.Payload) == 0 {
		return ErrPayloadRequired
	}

	if len(entry.Payload) > DefaultMaxPayloadBytes {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(entry.Payload))
	}

	if !json.Valid(entry.Payload) {
		return ErrPayloadNotJSON
	}

	if !entry.Status.IsValid() {
		return fmt.Errorf("%w: %q", ErrStatusInvalid, entry.Status)
	}

	return nil
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (entry *Entry) Clone() *Entry {
	if entry == nil {
		return nil
	}

	out := *entry
	out.Payload = append([]byte(nil), entry.Payload...)

	if entry.PublishedAt != nil {
		publishedAt := *entry.PublishedAt
		out.PublishedAt = &publishedAt
	}

	return &out
}

// Envelope builds the wire envelope for entry. The entry id doubles as the
// message id so a republished entry carries the same message id.
func (entry *Entry) Envelope() envelope.Envelope {
	return envelope.Envelope{
		MessageID:     entry.ID,
		EventID:       entry.EventID,
		EventType:     entry.EventType,
		AggregateID:   entry.AggregateID,
		Payload:       string(entry.Payload),
		CorrelationID: entry.CorrelationID,
		OccurredAt:    entry.OccurredAt.UTC(),
		CreatedAt:     entry.CreatedAt.UTC(),
	}
}

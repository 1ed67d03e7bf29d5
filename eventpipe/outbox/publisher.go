package outbox

import (
	"context"
	"fmt"

	"github.com/LerianStudio/lib-eventpipe/eventpipe/envelope"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/internal/nilcheck"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/log"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/opentelemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Publisher is the producer surface: business code hands it events and it
// stores them as PENDING entries.
type Publisher struct {
	store  Store
	logger log.Logger
	tracer trace.Tracer
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

func WithPublisherLogger(logger log.Logger) PublisherOption {
	return func(publisher *Publisher) {
		if !nilcheck.Interface(logger) {
			publisher.logger = logger
		}
	}
}

func WithPublisherTracer(tracer trace.Tracer) PublisherOption {
	return func(publisher *Publisher) {
		if !nilcheck.Interface(tracer) {
			publisher.tracer = tracer
		}
	}
}

// NewPublisher creates a Publisher writing to store.
func NewPublisher(store Store, opts ...PublisherOption) (*Publisher, error) {
	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	publisher := &Publisher{
		store:  store,
		logger: log.NewNop(),
		tracer: noop.NewTracerProvider().Tracer("eventpipe.noop"),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(publisher)
		}
	}

	return publisher, nil
}

// Publish stores every event as a PENDING entry, stopping at the first
// failure. Entries stored before the failure stay stored; use a
// transactional store method when all-or-nothing is required.
func (publisher *Publisher) Publish(ctx context.Context, events ...envelope.Event) error {
	if publisher == nil || nilcheck.Interface(publisher.store) {
		return ErrStoreRequired
	}

	ctx, span := publisher.tracer.Start(ctx, "outbox.publish")
	defer span.End()

	span.SetAttributes(attribute.Int("outbox.publish.events", len(events)))

	for _, event := range events {
		entry, err := NewEntry(ctx, event)
		if err != nil {
			opentelemetry.HandleSpanError(span, "failed to build outbox entry", err)

			return fmt.Errorf("build outbox entry: %w", err)
		}

		if err := publisher.store.Insert(ctx, entry); err != nil {
			opentelemetry.HandleSpanError(span, "failed to insert outbox entry", err)

			return fmt.Errorf("insert outbox entry %s: %w", entry.EventID, err)
		}

		publisher.logger.Log(ctx, log.LevelDebug, "event stored in outbox",
			log.String(log.KeyEventID, entry.EventID.String()),
			log.String(log.KeyEventType, entry.EventType),
			log.String(log.KeyAggregateID, entry.AggregateID),
			log.String(log.KeyCorrelationID, entry.CorrelationID),
		)
	}

	return nil
}

package subscriber

import (
	"context"
	"strings"

	"github.com/LerianStudio/lib-eventpipe/eventpipe/broker"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/envelope"
)

// SubscribeTyped consumes topic as group with a single handler for one event
// type. Envelopes of any other type are acked without decoding. The payload
// is decoded straight into T, so the type does not have to be in the
// dispatcher's registry.
func SubscribeTyped[T any](
	ctx context.Context,
	dispatcher *Dispatcher,
	topic, group, eventType string,
	handler func(ctx context.Context, event T) error,
) (broker.Subscription, error) {
	if dispatcher == nil {
		return nil, ErrDispatcherRequired
	}

	if handler == nil {
		return nil, ErrHandlerRequired
	}

	if strings.TrimSpace(eventType) == "" {
		return nil, envelope.ErrEventTypeRequired
	}

	resolve := typedResolver(eventType, handler)

	return dispatcher.track(dispatcher.broker.Subscribe(ctx, topic, group, dispatcher.brokerHandler(group, resolve)))
}

// HandleTyped runs the typed algorithm on one delivery. It is the
// single-message form of SubscribeTyped.
func HandleTyped[T any](
	ctx context.Context,
	dispatcher *Dispatcher,
	group, eventType string,
	delivery broker.Delivery,
	handler func(ctx context.Context, event T) error,
) Outcome {
	return dispatcher.process(ctx, group, delivery, typedResolver(eventType, handler))
}

func typedResolver[T any](eventType string, handler func(ctx context.Context, event T) error) resolver {
	p := plan{
		decode: func(payload []byte) (any, error) {
			return envelope.Deserialize[T](payload)
		},
		handlers: []handlerFunc{typed(handler)},
	}

	return func(got string) (plan, Outcome, bool) {
		if got != eventType {
			return plan{}, Filtered, false
		}

		return p, Acked, true
	}
}

package subscriber

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type dispatcherMetrics struct {
	messages metric.Int64Counter
}

func newDispatcherMetrics(provider metric.MeterProvider) (dispatcherMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	messages, err := provider.Meter("eventpipe.subscriber").Int64Counter(
		"subscriber.messages",
		metric.WithDescription("Deliveries handled by the dispatcher, by outcome"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create subscriber.messages counter: %w", err)
	}

	return dispatcherMetrics{messages: messages}, nil
}

func (m dispatcherMetrics) record(ctx context.Context, topic, group string, outcome Outcome) {
	if m.messages == nil {
		return
	}

	m.messages.Add(ctx, 1, metric.WithAttributes(
		attribute.String("topic", topic),
		attribute.String("consumer_group", group),
		attribute.String("outcome", outcome.String()),
	))
}

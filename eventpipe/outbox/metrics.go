package outbox

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type processorMetrics struct {
	eventsPublished   metric.Int64Counter
	eventsRetried     metric.Int64Counter
	eventsFailed      metric.Int64Counter
	eventsStateFailed metric.Int64Counter
	eventsReclaimed   metric.Int64Counter
	cleanupDeleted    metric.Int64Counter
	processLatency    metric.Float64Histogram
	queueDepth        metric.Int64Gauge
}

func newProcessorMetrics(provider metric.MeterProvider) (processorMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("eventpipe.outbox.processor")

	var (
		metrics processorMetrics
		err     error
	)

	counters := []struct {
		target      *metric.Int64Counter
		name        string
		description string
	}{
		{&metrics.eventsPublished, "outbox.events.published", "Number of outbox entries accepted by the broker"},
		{&metrics.eventsRetried, "outbox.events.retried", "Number of outbox entries returned to PENDING after a failed publish"},
		{&metrics.eventsFailed, "outbox.events.failed", "Number of outbox entries marked FAILED"},
		{&metrics.eventsStateFailed, "outbox.events.state_update_failed", "Number of outbox entries whose state could not be persisted"},
		{&metrics.eventsReclaimed, "outbox.events.reclaimed", "Number of abandoned PROCESSING entries moved back to PENDING"},
		{&metrics.cleanupDeleted, "outbox.cleanup.deleted", "Number of PUBLISHED entries removed by retention cleanup"},
	}

	for _, counter := range counters {
		*counter.target, err = meter.Int64Counter(
			counter.name,
			metric.WithDescription(counter.description),
			metric.WithUnit("{event}"),
		)
		if err != nil {
			return processorMetrics{}, fmt.Errorf("create %s counter: %w", counter.name, err)
		}
	}

	metrics.processLatency, err = meter.Float64Histogram(
		"outbox.process.latency",
		metric.WithDescription("Time taken per processing cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return processorMetrics{}, fmt.Errorf("create outbox.process.latency histogram: %w", err)
	}

	metrics.queueDepth, err = meter.Int64Gauge(
		"outbox.queue.depth",
		metric.WithDescription("Number of PENDING outbox entries after a processing cycle"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return processorMetrics{}, fmt.Errorf("create outbox.queue.depth gauge: %w", err)
	}

	return metrics, nil
}

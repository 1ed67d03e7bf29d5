package broker

import (
	"context"

	"github.com/LerianStudio/lib-eventpipe/eventpipe/circuitbreaker"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/internal/nilcheck"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/resilience"
)

// Resilient routes the remote operations of a Broker through a resilience
// pipeline. Consumer loops are not wrapped: they carry their own retry.
type Resilient struct {
	Broker

	pipeline *resilience.Pipeline
}

// NewResilient decorates inner. A nil pipeline gets a default one named
// "broker".
func NewResilient(inner Broker, pipeline *resilience.Pipeline) (*Resilient, error) {
	if nilcheck.Interface(inner) {
		return nil, ErrInnerBrokerMissing
	}

	if pipeline == nil {
		var err error

		pipeline, err = resilience.New("broker")
		if err != nil {
			return nil, err
		}
	}

	return &Resilient{Broker: inner, pipeline: pipeline}, nil
}

// Pipeline returns the wrapping pipeline.
func (r *Resilient) Pipeline() *resilience.Pipeline { return r.pipeline }

func (r *Resilient) EnsureTopicExists(ctx context.Context, topic string) error {
	return r.pipeline.Execute(ctx, "broker.ensure_topic", func(ctx context.Context) error {
		return r.Broker.EnsureTopicExists(ctx, topic)
	})
}

func (r *Resilient) Publish(ctx context.Context, topic string, msg Message) (string, error) {
	return resilience.Do(ctx, r.pipeline, "broker.publish", func(ctx context.Context) (string, error) {
		return r.Broker.Publish(ctx, topic, msg)
	})
}

func (r *Resilient) PublishBatch(ctx context.Context, topic string, msgs []Message) ([]string, error) {
	return resilience.Do(ctx, r.pipeline, "broker.publish_batch", func(ctx context.Context) ([]string, error) {
		return r.Broker.PublishBatch(ctx, topic, msgs)
	})
}

// Subscribe retries the subscription setup through the pipeline. The
// subscription itself lives on ctx, not on the per-attempt context, which is
// cancelled as soon as the attempt returns.
func (r *Resilient) Subscribe(ctx context.Context, topic, group string, handler Handler) (Subscription, error) {
	return resilience.Do(ctx, r.pipeline, "broker.subscribe", func(context.Context) (Subscription, error) {
		return r.Broker.Subscribe(ctx, topic, group, handler)
	})
}

// SubscribeToPartition is Subscribe for a single partition.
func (r *Resilient) SubscribeToPartition(ctx context.Context, topic, group string, partition int, handler Handler) (Subscription, error) {
	return resilience.Do(ctx, r.pipeline, "broker.subscribe", func(context.Context) (Subscription, error) {
		return r.Broker.SubscribeToPartition(ctx, topic, group, partition, handler)
	})
}

func (r *Resilient) GetPendingCount(ctx context.Context, topic, group string) (int64, error) {
	return resilience.Do(ctx, r.pipeline, "broker.pending_count", func(ctx context.Context) (int64, error) {
		return r.Broker.GetPendingCount(ctx, topic, group)
	})
}

// IsHealthy is false while the pipeline's breaker is open.
func (r *Resilient) IsHealthy(ctx context.Context) bool {
	if r.pipeline.State() == circuitbreaker.StateOpen {
		return false
	}

	return r.Broker.IsHealthy(ctx)
}

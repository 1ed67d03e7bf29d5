package subscriber

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/LerianStudio/lib-eventpipe/eventpipe"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/broker"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/envelope"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/idempotency"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/internal/nilcheck"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/log"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/opentelemetry"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/runtime"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	ErrBrokerRequired     = errors.New("subscriber: broker is required")
	ErrRegistryRequired   = errors.New("subscriber: event registry is required")
	ErrStoreRequired      = errors.New("subscriber: idempotency store is required")
	ErrDispatcherRequired = errors.New("subscriber: dispatcher is required")
	ErrDispatcherRunning  = errors.New("subscriber: dispatcher is already running")
	ErrNoRoutes           = errors.New("subscriber: no subscriptions configured")
)

// Outcome is what the dispatcher did with one delivery.
type Outcome int

const (
	// Acked means every handler succeeded and the event was recorded.
	Acked Outcome = iota
	// Skipped means the event was already processed by the group.
	Skipped
	// DroppedUnknown means the event type is not registered.
	DroppedUnknown
	// DroppedPoison means the envelope or payload could not be decoded.
	DroppedPoison
	// NoHandlers means the type is known but nothing handles it.
	NoHandlers
	// Requeued means the message was nak'd for redelivery.
	Requeued
	// Filtered means a typed subscription saw another event type.
	Filtered
)

func (o Outcome) String() string {
	switch o {
	case Acked:
		return "acked"
	case Skipped:
		return "skipped"
	case DroppedUnknown:
		return "dropped_unknown"
	case DroppedPoison:
		return "dropped_poison"
	case NoHandlers:
		return "no_handlers"
	case Requeued:
		return "requeued"
	case Filtered:
		return "filtered"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Route names one subscription started by Run.
type Route struct {
	Topic string
	Group string
	// Partition restricts the route to one partition when not nil.
	Partition *int
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithLogger(logger log.Logger) Option {
	return func(d *Dispatcher) {
		if !nilcheck.Interface(logger) {
			d.logger = logger
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(d *Dispatcher) {
		if !nilcheck.Interface(tracer) {
			d.tracer = tracer
		}
	}
}

// WithMeterProvider records outcomes on the subscriber.messages counter.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(d *Dispatcher) {
		if !nilcheck.Interface(provider) {
			d.meterProvider = provider
		}
	}
}

// WithRoute adds a topic and group that Run subscribes to.
func WithRoute(topic, group string) Option {
	return func(d *Dispatcher) {
		d.routes = append(d.routes, Route{Topic: topic, Group: group})
	}
}

// WithPartitionRoute adds a single-partition subscription that Run starts.
func WithPartitionRoute(topic, group string, partition int) Option {
	return func(d *Dispatcher) {
		d.routes = append(d.routes, Route{Topic: topic, Group: group, Partition: &partition})
	}
}

// Dispatcher routes deliveries to registered handlers with per-group
// deduplication.
type Dispatcher struct {
	broker        broker.Broker
	registry      *envelope.Registry
	store         idempotency.Store
	handlers      *Handlers
	logger        log.Logger
	tracer        trace.Tracer
	meterProvider metric.MeterProvider
	metrics       dispatcherMetrics
	routes        []Route

	subs *broker.Registry

	mu      sync.Mutex
	running bool
	stop    chan struct{}
}

var _ eventpipe.App = (*Dispatcher)(nil)

// New creates a dispatcher. Nothing is consumed until Subscribe or Run.
func New(b broker.Broker, registry *envelope.Registry, store idempotency.Store, handlers *Handlers, opts ...Option) (*Dispatcher, error) {
	if nilcheck.Interface(b) {
		return nil, ErrBrokerRequired
	}

	if registry == nil {
		return nil, ErrRegistryRequired
	}

	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	if handlers == nil {
		return nil, ErrHandlersRequired
	}

	dispatcher := &Dispatcher{
		broker:   b,
		registry: registry,
		store:    store,
		handlers: handlers,
		logger:   log.NewNop(),
		tracer:   noop.NewTracerProvider().Tracer("eventpipe.noop"),
		subs:     &broker.Registry{},
		stop:     make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(dispatcher)
		}
	}

	metrics, err := newDispatcherMetrics(dispatcher.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("init subscriber metrics: %w", err)
	}

	dispatcher.metrics = metrics

	return dispatcher, nil
}

// Subscribe consumes every partition of topic as group.
func (d *Dispatcher) Subscribe(ctx context.Context, topic, group string) (broker.Subscription, error) {
	if d == nil {
		return nil, ErrDispatcherRequired
	}

	return d.track(d.broker.Subscribe(ctx, topic, group, d.brokerHandler(group, d.resolve)))
}

// SubscribeToPartition consumes one partition of topic as group.
func (d *Dispatcher) SubscribeToPartition(ctx context.Context, topic, group string, partition int) (broker.Subscription, error) {
	if d == nil {
		return nil, ErrDispatcherRequired
	}

	return d.track(d.broker.SubscribeToPartition(ctx, topic, group, partition, d.brokerHandler(group, d.resolve)))
}

func (d *Dispatcher) track(sub broker.Subscription, err error) (broker.Subscription, error) {
	if err != nil {
		return nil, err
	}

	if err := d.subs.Track(sub); err != nil {
		return nil, err
	}

	return sub, nil
}

func (d *Dispatcher) brokerHandler(group string, resolve resolver) broker.Handler {
	return func(ctx context.Context, delivery broker.Delivery) error {
		d.process(ctx, group, delivery, resolve)
		return nil
	}
}

// Handle runs the full per-message algorithm on delivery for group and
// settles it.
func (d *Dispatcher) Handle(ctx context.Context, group string, delivery broker.Delivery) Outcome {
	return d.process(ctx, group, delivery, d.resolve)
}

// Run subscribes every configured route and blocks until Shutdown or until
// every subscription has ended.
func (d *Dispatcher) Run(launcher *eventpipe.Launcher) error {
	return d.RunContext(context.Background(), launcher)
}

// RunContext is Run bound to ctx: cancelling it stops the subscriptions.
func (d *Dispatcher) RunContext(ctx context.Context, launcher *eventpipe.Launcher) error {
	if d == nil {
		return ErrDispatcherRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if len(d.routes) == 0 {
		return ErrNoRoutes
	}

	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ErrDispatcherRunning
	}

	d.running = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()

	subs := make(broker.Subscriptions, 0, len(d.routes))

	for _, route := range d.routes {
		var (
			sub broker.Subscription
			err error
		)

		if route.Partition != nil {
			sub, err = d.SubscribeToPartition(ctx, route.Topic, route.Group, *route.Partition)
		} else {
			sub, err = d.Subscribe(ctx, route.Topic, route.Group)
		}

		if err != nil {
			_ = subs.Unsubscribe()
			return fmt.Errorf("subscribe %s as %s: %w", route.Topic, route.Group, err)
		}

		subs = append(subs, sub)
	}

	if launcher != nil && launcher.Logger != nil {
		launcher.Logger.Log(ctx, log.LevelInfo, "subscriber dispatcher started", log.Int("routes", len(d.routes)))
		defer launcher.Logger.Log(context.Background(), log.LevelInfo, "subscriber dispatcher stopped")
	}

	select {
	case <-d.stop:
	case <-ctx.Done():
	case <-subs.Done():
	}

	return subs.Unsubscribe()
}

// Shutdown stops every subscription this dispatcher started and waits for
// their loops to exit.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	if d == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	d.mu.Lock()
	select {
	case <-d.stop:
	default:
		close(d.stop)
	}
	d.mu.Unlock()

	done := make(chan error, 1)

	runtime.SafeGo(d.logger, "subscriber.dispatcher_shutdown", runtime.KeepRunning, func() {
		done <- d.subs.CloseAll()
	})

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

// plan is what to do with an envelope once its type is resolved.
type plan struct {
	decode   envelope.Decoder
	handlers []handlerFunc
}

// resolver maps an event type to a plan. When ok is false the delivery is
// acked with the returned outcome.
type resolver func(eventType string) (p plan, outcome Outcome, ok bool)

func (d *Dispatcher) resolve(eventType string) (plan, Outcome, bool) {
	decoder, ok := d.registry.Lookup(eventType)
	if !ok {
		return plan{}, DroppedUnknown, false
	}

	return plan{decode: decoder, handlers: d.handlers.forType(eventType)}, Acked, true
}

func (d *Dispatcher) process(ctx context.Context, group string, delivery broker.Delivery, resolve resolver) Outcome {
	if ctx == nil {
		ctx = context.Background()
	}

	msg := delivery.Message()
	ctx = opentelemetry.ExtractQueueTraceContext(ctx, msg.Headers)

	ctx, span := d.tracer.Start(ctx, "subscriber.handle", trace.WithSpanKind(trace.SpanKindConsumer), trace.WithAttributes(
		attribute.String("messaging.destination.name", delivery.Topic()),
		attribute.String("messaging.consumer.group.name", group),
		attribute.String("messaging.message.id", delivery.MessageID()),
		attribute.Int("messaging.destination.partition.id", delivery.Partition()),
	))
	defer span.End()

	logger := d.logger.With(
		log.String(log.KeyMessageID, delivery.MessageID()),
		log.String(log.KeyTopic, delivery.Topic()),
		log.Int(log.KeyPartition, delivery.Partition()),
		log.String(log.KeyConsumerGroup, group),
		log.Int(log.KeyAttempt, delivery.Attempt()),
	)

	outcome := d.dispatch(ctx, logger, span, group, delivery, resolve)

	span.SetAttributes(attribute.String("eventpipe.outcome", outcome.String()))

	if settledUnhandled(outcome) {
		opentelemetry.HandleSpanEvent(span, "subscriber.settled_unhandled",
			attribute.String("eventpipe.outcome", outcome.String()),
			attribute.Int("messaging.delivery.attempt", delivery.Attempt()),
		)
	}

	d.metrics.record(ctx, delivery.Topic(), group, outcome)

	return outcome
}

// settledUnhandled reports outcomes that ack the delivery without any handler
// completing for it.
func settledUnhandled(outcome Outcome) bool {
	switch outcome {
	case Skipped, DroppedUnknown, DroppedPoison, NoHandlers, Filtered:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, logger log.Logger, span trace.Span, group string, delivery broker.Delivery, resolve resolver) Outcome {
	env, err := envelope.Unmarshal(delivery.Message().Body)
	if err != nil {
		logger.Log(ctx, log.LevelError, "dropping unreadable envelope", log.Err(err))
		opentelemetry.HandleSpanError(span, "unreadable envelope", err)

		return d.ack(ctx, logger, delivery, DroppedPoison)
	}

	logger = logger.With(
		log.String(log.KeyEventID, env.EventID.String()),
		log.String(log.KeyEventType, env.EventType),
		log.String(log.KeyAggregateID, env.AggregateID),
		log.String(log.KeyCorrelationID, env.CorrelationID),
	)

	ctx = eventpipe.ContextWithLogger(ctx, logger)
	ctx = eventpipe.ContextWithTracer(ctx, d.tracer)

	if env.CorrelationID != "" {
		ctx = eventpipe.ContextWithCorrelationID(ctx, env.CorrelationID)
	}

	span.SetAttributes(
		attribute.String("eventpipe.event_id", env.EventID.String()),
		attribute.String("eventpipe.event_type", env.EventType),
	)

	p, outcome, ok := resolve(env.EventType)
	if !ok {
		if outcome == DroppedUnknown {
			logger.Log(ctx, log.LevelWarn, "no decoder registered for event type; dropping")
		}

		return d.ack(ctx, logger, delivery, outcome)
	}

	processed, err := d.store.IsProcessed(ctx, env.EventID, group)
	if err != nil {
		logger.Log(ctx, log.LevelError, "idempotency check failed; requeueing", log.Err(err))
		opentelemetry.HandleSpanError(span, "idempotency check failed", err)

		return d.requeue(ctx, logger, delivery)
	}

	if processed {
		logger.Log(ctx, log.LevelDebug, "event already processed by group; skipping")
		return d.ack(ctx, logger, delivery, Skipped)
	}

	payload := env.PayloadBytes()

	event, err := p.decode(payload)
	if err != nil {
		logger.Log(ctx, log.LevelError, "dropping event with undecodable payload", log.Err(err))
		opentelemetry.HandleSpanError(span, "undecodable payload", err)

		return d.ack(ctx, logger, delivery, DroppedPoison)
	}

	if len(p.handlers) == 0 {
		logger.Log(ctx, log.LevelDebug, "no handlers registered for event type")
		return d.ack(ctx, logger, delivery, NoHandlers)
	}

	for index, handler := range p.handlers {
		if err := d.invoke(ctx, handler, event, payload); err != nil {
			if errors.Is(err, ErrPayloadMismatch) {
				logger.Log(ctx, log.LevelError, "dropping event: handler type does not match payload",
					log.Int("handler", index), log.Err(err))
				opentelemetry.HandleSpanError(span, "handler type mismatch", err)

				return d.ack(ctx, logger, delivery, DroppedPoison)
			}

			logger.Log(ctx, log.LevelWarn, "handler failed; requeueing", log.Int("handler", index), log.Err(err))
			opentelemetry.HandleSpanError(span, "handler failed", err)

			return d.requeue(ctx, logger, delivery)
		}
	}

	// The message is acked even when the record cannot be written: nacking
	// here would run every handler again.
	if err := d.store.MarkProcessed(ctx, env.EventID, group); err != nil {
		logger.Log(ctx, log.LevelError, "handlers succeeded but processed record not written", log.Err(err))
	}

	return d.ack(ctx, logger, delivery, Acked)
}

func (d *Dispatcher) invoke(ctx context.Context, handler handlerFunc, event any, payload []byte) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			runtime.HandlePanicValue(ctx, d.logger, recovered, "subscriber", "handler")
			err = fmt.Errorf("handler panicked: %v", recovered)
		}
	}()

	return handler(ctx, event, payload)
}

func (d *Dispatcher) ack(ctx context.Context, logger log.Logger, delivery broker.Delivery, outcome Outcome) Outcome {
	if err := delivery.Ack(ctx); err != nil && !errors.Is(err, broker.ErrAlreadySettled) {
		logger.Log(ctx, log.LevelWarn, "failed to ack delivery", log.Err(err))
	}

	return outcome
}

func (d *Dispatcher) requeue(ctx context.Context, logger log.Logger, delivery broker.Delivery) Outcome {
	if err := delivery.Nak(ctx, true); err != nil && !errors.Is(err, broker.ErrAlreadySettled) {
		logger.Log(ctx, log.LevelWarn, "failed to nak delivery", log.Err(err))
	}

	return Requeued
}

package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LerianStudio/lib-eventpipe/eventpipe"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/broker"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/internal/nilcheck"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/log"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/opentelemetry"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/resilience"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/runtime"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Message headers set on every relayed entry.
const (
	HeaderEventType     = "Eventpipe-Event-Type"
	HeaderCorrelationID = "Eventpipe-Correlation-Id"
)

// Processor relays PENDING entries from a Store to a broker.Broker.
type Processor struct {
	store        Store
	broker       broker.Broker
	resolveTopic TopicResolver
	locker       Locker
	classifier   RetryClassifier
	logger       log.Logger
	tracer       trace.Tracer
	cfg          ProcessorConfig
	now          func() time.Time

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	cycleWg    sync.WaitGroup

	metrics processorMetrics
}

var _ eventpipe.App = (*Processor)(nil)

// ProcessResult captures one processing cycle outcome.
type ProcessResult struct {
	Reclaimed         int
	Claimed           int
	Published         int
	Retried           int
	Failed            int
	StateUpdateFailed int
	// Interrupted counts entries whose publish was cut short by ctx. They stay
	// PROCESSING without using up a retry and are reclaimed later.
	Interrupted int
}

// NewProcessor creates a processor relaying from store to b.
func NewProcessor(store Store, b broker.Broker, opts ...ProcessorOption) (*Processor, error) {
	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	if nilcheck.Interface(b) {
		return nil, ErrBrokerRequired
	}

	processor := &Processor{
		store:        store,
		broker:       b,
		resolveTopic: StaticTopic(DefaultTopic),
		classifier:   permanentErrors,
		logger:       log.NewNop(),
		tracer:       noop.NewTracerProvider().Tracer("eventpipe.noop"),
		cfg:          DefaultProcessorConfig(),
		now:          func() time.Time { return time.Now().UTC() },
		stop:         make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(processor)
		}
	}

	processor.cfg.normalize()

	metrics, err := newProcessorMetrics(processor.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init outbox metrics: %w", err)
	}

	processor.metrics = metrics

	return processor, nil
}

// Config returns the effective configuration.
func (processor *Processor) Config() ProcessorConfig {
	return processor.cfg
}

// Run starts the processor loop until Stop is called.
func (processor *Processor) Run(launcher *eventpipe.Launcher) error {
	return processor.RunContext(context.Background(), launcher)
}

// RunContext starts the processor loop until Stop is called or ctx is
// cancelled. A cycle runs immediately, then every Interval; cleanup runs
// every CleanupInterval.
func (processor *Processor) RunContext(parentCtx context.Context, launcher *eventpipe.Launcher) error {
	if processor == nil || nilcheck.Interface(processor.store) || nilcheck.Interface(processor.broker) {
		return ErrProcessorRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !processor.registerRun(cancel) {
		cancel()

		return ErrProcessorRunning
	}

	defer processor.clearRun()

	if launcher != nil && launcher.Logger != nil {
		launcher.Logger.Log(ctx, log.LevelInfo, "outbox processor started",
			log.Duration("interval", processor.cfg.Interval),
			log.Int("batch_size", processor.cfg.BatchSize),
		)
		defer launcher.Logger.Log(context.Background(), log.LevelInfo, "outbox processor stopped")
	}

	defer runtime.RecoverAndLogWithContext(ctx, processor.logger, "outbox", "processor_run")

	ticker := time.NewTicker(processor.cfg.Interval)
	defer ticker.Stop()

	cleanupTicker := time.NewTicker(processor.cfg.CleanupInterval)
	defer cleanupTicker.Stop()

	processor.cycle(ctx, "processor_initial", func(cycleCtx context.Context) {
		processor.ProcessOnce(cycleCtx)
	})

	for {
		select {
		case <-processor.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			processor.cycle(ctx, "processor_tick", func(cycleCtx context.Context) {
				processor.ProcessOnce(cycleCtx)
			})
		case <-cleanupTicker.C:
			processor.cycle(ctx, "processor_cleanup", func(cycleCtx context.Context) {
				if _, err := processor.CleanupOnce(cycleCtx); err != nil {
					processor.logger.Log(cycleCtx, log.LevelWarn, "outbox cleanup failed", log.Err(err))
				}
			})
		}
	}
}

func (processor *Processor) cycle(ctx context.Context, name string, fn func(context.Context)) {
	select {
	case <-processor.stop:
		return
	case <-ctx.Done():
		return
	default:
	}

	processor.cycleWg.Add(1)
	defer processor.cycleWg.Done()

	defer runtime.RecoverAndLogWithContext(ctx, processor.logger, "outbox", name)

	fn(ctx)
}

func (processor *Processor) registerRun(cancel context.CancelFunc) bool {
	processor.runStateMu.Lock()
	defer processor.runStateMu.Unlock()

	if processor.running {
		return false
	}

	processor.running = true
	processor.cancelFunc = cancel

	return true
}

func (processor *Processor) clearRun() {
	processor.runStateMu.Lock()
	defer processor.runStateMu.Unlock()

	if processor.cancelFunc != nil {
		processor.cancelFunc()
	}

	processor.running = false
	processor.cancelFunc = nil
}

// Stop signals the processor loop to stop.
func (processor *Processor) Stop() {
	if processor == nil {
		return
	}

	processor.stopOnce.Do(func() {
		processor.runStateMu.Lock()
		cancel := processor.cancelFunc
		processor.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(processor.stop)
	})
}

// Shutdown stops the loop and waits for the in-flight cycle.
func (processor *Processor) Shutdown(ctx context.Context) error {
	if processor == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	processor.Stop()

	done := make(chan struct{})

	runtime.SafeGo(processor.logger, "outbox.processor_shutdown_wait", runtime.KeepRunning, func() {
		processor.cycleWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("processor shutdown: %w", ctx.Err())
	}
}

// ProcessOnce reclaims abandoned claims, claims one batch and publishes it
// entry by entry, in order.
func (processor *Processor) ProcessOnce(ctx context.Context) ProcessResult {
	if processor == nil || nilcheck.Interface(processor.store) || nilcheck.Interface(processor.broker) {
		return ProcessResult{}
	}

	if ctx == nil {
		ctx = context.Background()
	}

	start := time.Now()

	ctx, span := processor.tracer.Start(ctx, "outbox.process")
	defer span.End()

	var result ProcessResult

	result.Reclaimed = processor.reclaimStuck(ctx)

	entries, err := processor.store.ClaimPending(ctx, processor.cfg.BatchSize)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to claim pending entries", err)
		processor.logger.Log(ctx, log.LevelError, "failed to claim pending outbox entries", log.Err(err))

		return result
	}

	result.Claimed = len(entries)

	// Publish happens before MarkPublished: a failed state write republishes
	// the entry later and consumers deduplicate by event id.
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}

		if entry == nil {
			continue
		}

		processor.processEntry(ctx, entry, &result)
	}

	span.SetAttributes(
		attribute.Int("outbox.process.claimed", result.Claimed),
		attribute.Int("outbox.process.published", result.Published),
		attribute.Int("outbox.process.retried", result.Retried),
		attribute.Int("outbox.process.failed", result.Failed),
		attribute.Int("outbox.process.state_update_failed", result.StateUpdateFailed),
		attribute.Int("outbox.process.interrupted", result.Interrupted),
	)

	processor.add(ctx, processor.metrics.eventsPublished, result.Published)
	processor.add(ctx, processor.metrics.eventsRetried, result.Retried)
	processor.add(ctx, processor.metrics.eventsFailed, result.Failed)
	processor.add(ctx, processor.metrics.eventsStateFailed, result.StateUpdateFailed)
	processor.add(ctx, processor.metrics.eventsReclaimed, result.Reclaimed)
	processor.recordQueueDepth(ctx)

	if processor.metrics.processLatency != nil {
		processor.metrics.processLatency.Record(ctx, time.Since(start).Seconds())
	}

	return result
}

func (processor *Processor) processEntry(ctx context.Context, entry *Entry, result *ProcessResult) {
	topic := processor.resolveTopic(entry.EventType)

	logger := processor.logger.With(
		log.String(log.KeyEventID, entry.EventID.String()),
		log.String(log.KeyEventType, entry.EventType),
		log.String(log.KeyAggregateID, entry.AggregateID),
		log.String(log.KeyCorrelationID, entry.CorrelationID),
		log.String(log.KeyTopic, topic),
	)

	publishErr := processor.publish(ctx, topic, entry)
	if publishErr == nil {
		result.Published++

		if err := processor.store.MarkPublished(ctx, entry.ID); err != nil {
			logger.Log(ctx, log.LevelError,
				"outbox entry published but PUBLISHED state not persisted; entry may be published again",
				log.Err(err),
			)

			result.StateUpdateFailed++
		}

		return
	}

	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(publishErr, ctxErr) {
		logger.Log(context.WithoutCancel(ctx), log.LevelWarn, "outbox entry publish interrupted; leaving it for reclaim", log.Err(publishErr))

		result.Interrupted++

		return
	}

	errMsg := sanitizeError(publishErr)
	attempts := entry.RetryCount + 1

	if attempts >= processor.cfg.MaxRetryAttempts || processor.classifier.IsNonRetryable(publishErr) {
		if err := processor.store.MarkFailed(ctx, entry.ID, errMsg); err != nil {
			logger.Log(ctx, log.LevelError, "failed to mark outbox entry as failed", log.Err(err))

			result.StateUpdateFailed++

			return
		}

		logger.Log(ctx, log.LevelError, "outbox entry failed permanently",
			log.Int(log.KeyAttempt, attempts),
			log.String("error", errMsg),
		)

		result.Failed++

		return
	}

	if err := processor.store.IncrementRetry(ctx, entry.ID, errMsg); err != nil {
		logger.Log(ctx, log.LevelError, "failed to return outbox entry to pending", log.Err(err))

		result.StateUpdateFailed++

		return
	}

	logger.Log(ctx, log.LevelWarn, "outbox entry publish failed; will retry",
		log.Int(log.KeyAttempt, attempts),
		log.String("error", errMsg),
	)

	result.Retried++
}

func (processor *Processor) publish(ctx context.Context, topic string, entry *Entry) error {
	ctx, span := processor.tracer.Start(ctx, "outbox.publish_entry", trace.WithAttributes(
		attribute.String("messaging.destination.name", topic),
		attribute.String("messaging.message.id", entry.ID.String()),
		attribute.String("eventpipe.event_type", entry.EventType),
	))
	defer span.End()

	body, err := entry.Envelope().Marshal()
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to encode envelope", err)

		return resilience.Permanent(err)
	}

	headers := map[string]string{HeaderEventType: entry.EventType}
	if entry.CorrelationID != "" {
		headers[HeaderCorrelationID] = entry.CorrelationID
	}

	msg := broker.Message{
		ID:      entry.ID.String(),
		Key:     entry.AggregateID,
		Body:    body,
		Headers: opentelemetry.MergeQueueHeaders(ctx, headers),
	}

	if _, err := processor.broker.Publish(ctx, topic, msg); err != nil {
		opentelemetry.HandleSpanError(span, "failed to publish entry", err)

		return err
	}

	return nil
}

func (processor *Processor) reclaimStuck(ctx context.Context) int {
	cutoff := processor.now().Add(-processor.cfg.ProcessingTimeout)

	reclaimed, err := processor.store.ReclaimStuck(ctx, cutoff, processor.cfg.BatchSize)
	if err != nil {
		processor.logger.Log(ctx, log.LevelWarn, "failed to reclaim stuck outbox entries", log.Err(err))

		return 0
	}

	if reclaimed > 0 {
		processor.logger.Log(ctx, log.LevelWarn, "reclaimed abandoned outbox entries", log.Int("count", reclaimed))
	}

	return reclaimed
}

// CleanupOnce deletes PUBLISHED entries older than Retention. With a Locker
// configured, only the instance holding the lock sweeps.
func (processor *Processor) CleanupOnce(ctx context.Context) (int64, error) {
	if processor == nil || nilcheck.Interface(processor.store) {
		return 0, ErrProcessorRequired
	}

	ctx, span := processor.tracer.Start(ctx, "outbox.cleanup")
	defer span.End()

	cutoff := processor.now().Add(-processor.cfg.Retention)

	var deleted int64

	sweep := func(ctx context.Context) error {
		n, err := processor.store.DeleteOlderThanPublished(ctx, cutoff)
		deleted = n

		return err
	}

	var err error
	if processor.locker != nil {
		err = processor.locker.WithLock(ctx, processor.cfg.CleanupLockKey, sweep)
	} else {
		err = sweep(ctx)
	}

	if err != nil {
		opentelemetry.HandleSpanError(span, "outbox cleanup failed", err)

		return deleted, fmt.Errorf("outbox cleanup: %w", err)
	}

	processor.add(ctx, processor.metrics.cleanupDeleted, int(deleted))

	if deleted > 0 {
		processor.logger.Log(ctx, log.LevelInfo, "outbox cleanup removed published entries",
			log.Int64("deleted", deleted),
			log.Duration("retention", processor.cfg.Retention),
		)
	}

	return deleted, nil
}

func (processor *Processor) recordQueueDepth(ctx context.Context) {
	if processor.metrics.queueDepth == nil {
		return
	}

	counts, err := processor.store.CountByStatus(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			processor.logger.Log(ctx, log.LevelDebug, "failed to count outbox entries", log.Err(err))
		}

		return
	}

	processor.metrics.queueDepth.Record(ctx, counts[StatusPending])
}

func (processor *Processor) add(ctx context.Context, counter metric.Int64Counter, count int) {
	if nilcheck.Interface(counter) || count <= 0 {
		return
	}

	counter.Add(ctx, int64(count))
}

package outbox

import (
	"strings"
	"time"

	"github.com/LerianStudio/lib-eventpipe/eventpipe/internal/nilcheck"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultInterval          = 5 * time.Second
	defaultBatchSize         = 100
	defaultMaxRetryAttempts  = 3
	defaultRetention         = 7 * 24 * time.Hour
	defaultCleanupInterval   = time.Hour
	defaultProcessingTimeout = 5 * time.Minute
	defaultCleanupLockKey    = "eventpipe:outbox:cleanup"
)

// ProcessorConfig controls polling, retry and retention.
type ProcessorConfig struct {
	// Interval is the pause between processing cycles.
	Interval time.Duration
	// BatchSize caps the entries claimed per cycle.
	BatchSize int
	// MaxRetryAttempts is the number of failed publishes after which an entry
	// is marked FAILED.
	MaxRetryAttempts int
	// Retention is how long PUBLISHED entries are kept.
	Retention       time.Duration
	CleanupInterval time.Duration
	// ProcessingTimeout is the age after which a PROCESSING entry is assumed
	// abandoned and reclaimed.
	ProcessingTimeout time.Duration
	CleanupLockKey    string
	MeterProvider     metric.MeterProvider
}

// DefaultProcessorConfig returns the baseline processor configuration.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		Interval:          defaultInterval,
		BatchSize:         defaultBatchSize,
		MaxRetryAttempts:  defaultMaxRetryAttempts,
		Retention:         defaultRetention,
		CleanupInterval:   defaultCleanupInterval,
		ProcessingTimeout: defaultProcessingTimeout,
		CleanupLockKey:    defaultCleanupLockKey,
	}
}

func (cfg *ProcessorConfig) normalize() {
	defaults := DefaultProcessorConfig()

	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = defaults.MaxRetryAttempts
	}

	if cfg.Retention <= 0 {
		cfg.Retention = defaults.Retention
	}

	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaults.CleanupInterval
	}

	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = defaults.ProcessingTimeout
	}

	if strings.TrimSpace(cfg.CleanupLockKey) == "" {
		cfg.CleanupLockKey = defaults.CleanupLockKey
	}
}

// ProcessorOption mutates processor configuration at construction.
type ProcessorOption func(*Processor)

// WithConfig replaces the whole configuration. Zero fields take defaults.
func WithConfig(cfg ProcessorConfig) ProcessorOption {
	return func(processor *Processor) {
		processor.cfg = cfg
	}
}

func WithInterval(interval time.Duration) ProcessorOption {
	return func(processor *Processor) {
		if interval > 0 {
			processor.cfg.Interval = interval
		}
	}
}

func WithBatchSize(size int) ProcessorOption {
	return func(processor *Processor) {
		if size > 0 {
			processor.cfg.BatchSize = size
		}
	}
}

func WithMaxRetryAttempts(attempts int) ProcessorOption {
	return func(processor *Processor) {
		if attempts > 0 {
			processor.cfg.MaxRetryAttempts = attempts
		}
	}
}

func WithRetention(retention time.Duration) ProcessorOption {
	return func(processor *Processor) {
		if retention > 0 {
			processor.cfg.Retention = retention
		}
	}
}

func WithCleanupInterval(interval time.Duration) ProcessorOption {
	return func(processor *Processor) {
		if interval > 0 {
			processor.cfg.CleanupInterval = interval
		}
	}
}

func WithProcessingTimeout(timeout time.Duration) ProcessorOption {
	return func(processor *Processor) {
		if timeout > 0 {
			processor.cfg.ProcessingTimeout = timeout
		}
	}
}

// WithTopicResolver chooses the broker topic per event type.
func WithTopicResolver(resolver TopicResolver) ProcessorOption {
	return func(processor *Processor) {
		if resolver != nil {
			processor.resolveTopic = resolver
		}
	}
}

// WithLocker makes cleanup run under a distributed lock named key. An empty
// key keeps the default.
func WithLocker(locker Locker, key string) ProcessorOption {
	return func(processor *Processor) {
		if nilcheck.Interface(locker) {
			processor.locker = nil

			return
		}

		processor.locker = locker

		if strings.TrimSpace(key) != "" {
			processor.cfg.CleanupLockKey = key
		}
	}
}

// WithRetryClassifier marks errors that must fail an entry without retry.
func WithRetryClassifier(classifier RetryClassifier) ProcessorOption {
	return func(processor *Processor) {
		if !nilcheck.Interface(classifier) {
			processor.classifier = classifier
		}
	}
}

func WithLogger(logger log.Logger) ProcessorOption {
	return func(processor *Processor) {
		if !nilcheck.Interface(logger) {
			processor.logger = logger
		}
	}
}

func WithTracer(tracer trace.Tracer) ProcessorOption {
	return func(processor *Processor) {
		if !nilcheck.Interface(tracer) {
			processor.tracer = tracer
		}
	}
}

// WithMeterProvider injects a meter provider. Nil keeps the global provider.
func WithMeterProvider(provider metric.MeterProvider) ProcessorOption {
	return func(processor *Processor) {
		if nilcheck.Interface(provider) {
			processor.cfg.MeterProvider = nil

			return
		}

		processor.cfg.MeterProvider = provider
	}
}

package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LerianStudio/lib-eventpipe/eventpipe"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/backoff"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/circuitbreaker"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/internal/nilcheck"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/log"
)

// Pipeline executes calls through retry, breaker and timeout.
type Pipeline struct {
	name     string
	policy   Policy
	breakers circuitbreaker.Manager
	logger   log.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithPolicy replaces the whole policy.
func WithPolicy(policy Policy) Option {
	return func(p *Pipeline) {
		p.policy = policy
	}
}

func WithLogger(logger log.Logger) Option {
	return func(p *Pipeline) {
		if !nilcheck.Interface(logger) {
			p.logger = logger
		}
	}
}

// WithBreakerManager shares a breaker manager between pipelines.
func WithBreakerManager(manager circuitbreaker.Manager) Option {
	return func(p *Pipeline) {
		if !nilcheck.Interface(manager) {
			p.breakers = manager
		}
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(p *Pipeline) {
		p.policy.Timeout = timeout
	}
}

// WithRetry sets attempts and backoff shape.
func WithRetry(maxAttempts int, kind BackoffKind, base, maxDelay time.Duration, jitter bool) Option {
	return func(p *Pipeline) {
		p.policy.MaxAttempts = maxAttempts
		p.policy.Backoff = kind
		p.policy.BaseDelay = base
		p.policy.MaxDelay = maxDelay
		p.policy.Jitter = jitter
	}
}

func WithBreakerConfig(config circuitbreaker.Config) Option {
	return func(p *Pipeline) {
		p.policy.Breaker = config
	}
}

// WithClassifier overrides IsTransient.
func WithClassifier(classifier func(error) bool) Option {
	return func(p *Pipeline) {
		p.policy.Classifier = classifier
	}
}

// New builds a pipeline whose breaker is registered under name.
func New(name string, opts ...Option) (*Pipeline, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrNameRequired
	}

	p := &Pipeline{
		name:   name,
		policy: DefaultPolicy(),
		logger: log.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	p.policy.normalize()

	if p.breakers == nil {
		p.breakers = circuitbreaker.NewManager(p.logger)
	}

	breakerConfig := p.policy.Breaker
	if breakerConfig.IsSuccessful == nil {
		breakerConfig.IsSuccessful = countsAsSuccess
	}

	p.breakers.GetOrCreate(p.name, breakerConfig)

	return p, nil
}

// countsAsSuccess keeps caller cancellations and permanent errors from
// tripping the breaker.
func countsAsSuccess(err error) bool {
	return err == nil || errors.Is(err, context.Canceled) || IsPermanent(err)
}

// Name returns the breaker name.
func (p *Pipeline) Name() string { return p.name }

// State returns the breaker state.
func (p *Pipeline) State() circuitbreaker.State {
	return p.breakers.GetState(p.name)
}

// Execute runs fn under the pipeline.
func (p *Pipeline) Execute(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, p, operation, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})

	return err
}

// Do runs fn under the pipeline and returns its value.
func Do[T any](ctx context.Context, p *Pipeline, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	logger := p.logger.With(
		log.String(log.KeyOperation, operation),
		log.String(log.KeyCorrelationID, eventpipe.CorrelationIDFromContext(ctx)),
	)

	for attempt := 1; ; attempt++ {
		value, err := attemptOnce(ctx, p, fn)
		if err == nil {
			return value, nil
		}

		retryable := p.policy.Classifier(err) && ctx.Err() == nil
		if !retryable || attempt >= p.policy.MaxAttempts {
			logger.Log(ctx, log.LevelWarn, "resilient call failed",
				log.Int(log.KeyAttempt, attempt),
				log.Bool("retryable", retryable),
				log.String("breaker_state", string(p.State())),
				log.Err(err),
			)

			return zero, err
		}

		delay := p.policy.delay(attempt - 1)

		logger.Log(ctx, log.LevelDebug, "retrying resilient call",
			log.Int(log.KeyAttempt, attempt),
			log.Duration("delay", delay),
			log.Err(err),
		)

		if waitErr := backoff.WaitContext(ctx, delay); waitErr != nil {
			return zero, errors.Join(err, waitErr)
		}
	}
}

func attemptOnce[T any](ctx context.Context, p *Pipeline, fn func(ctx context.Context) (T, error)) (T, error) {
	var value T

	_, err := p.breakers.Execute(p.name, func() (any, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, p.policy.Timeout)
		defer cancel()

		result, err := fn(attemptCtx)
		if err != nil {
			if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w after %s: %w", ErrAttemptTimeout, p.policy.Timeout, err)
			}

			return nil, err
		}

		value = result

		return nil, nil
	})

	return value, err
}

package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LerianStudio/lib-eventpipe/eventpipe/internal/nilcheck"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/log"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/runtime"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher confirm errors.
var (
	ErrPublisherRequired      = errors.New("confirmable publisher is required")
	ErrChannelRequired        = errors.New("rabbitmq channel is required")
	ErrConfirmModeUnavailable = errors.New("channel does not support confirm mode")
	ErrPublishNacked          = errors.New("message was nacked by broker")
	ErrConfirmTimeout         = errors.New("confirmation timed out")
	ErrPublisherClosed        = errors.New("publisher is closed")
)

const (
	// DefaultConfirmTimeout is how long a publish waits for the broker confirm.
	DefaultConfirmTimeout = 5 * time.Second

	// confirmChannelBuffer should be >= max unconfirmed messages to avoid
	// blocking the channel's reader.
	confirmChannelBuffer = 256
)

// ConfirmableChannel is the part of *amqp.Channel the publisher needs.
type ConfirmableChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	PublishWithContext(
		ctx context.Context,
		exchange, key string,
		mandatory, immediate bool,
		msg amqp.Publishing,
	) error
	Close() error
}

// ConfirmablePublisher publishes on a channel in confirm mode and waits for
// each confirm before returning. Once its channel closes the publisher is
// done; the owner replaces it with a new one.
type ConfirmablePublisher struct {
	ch             ConfirmableChannel
	confirms       chan amqp.Confirmation
	closedCh       chan struct{}
	closeOnce      sync.Once
	logger         log.Logger
	confirmTimeout time.Duration

	mu        sync.RWMutex
	publishMu sync.Mutex
	closed    bool
}

// PublisherOption configures a ConfirmablePublisher.
type PublisherOption func(*ConfirmablePublisher)

// WithPublisherLogger sets the logger used for channel close events.
func WithPublisherLogger(logger log.Logger) PublisherOption {
	return func(pub *ConfirmablePublisher) {
		if !nilcheck.Interface(logger) {
			pub.logger = logger
		}
	}
}

// WithConfirmTimeout overrides DefaultConfirmTimeout. Non-positive values are
// ignored.
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(pub *ConfirmablePublisher) {
		if timeout > 0 {
			pub.confirmTimeout = timeout
		}
	}
}

// NewConfirmablePublisher puts ch in confirm mode and starts watching it for
// closure.
func NewConfirmablePublisher(ch ConfirmableChannel, opts ...PublisherOption) (*ConfirmablePublisher, error) {
	if nilcheck.Interface(ch) {
		return nil, ErrChannelRequired
	}

	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfirmModeUnavailable, err)
	}

	confirms := make(chan amqp.Confirmation, confirmChannelBuffer)
	ch.NotifyPublish(confirms)

	closeNotify := ch.NotifyClose(make(chan *amqp.Error, 1))

	pub := &ConfirmablePublisher{
		ch:             ch,
		confirms:       confirms,
		closedCh:       make(chan struct{}),
		logger:         log.NewNop(),
		confirmTimeout: DefaultConfirmTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(pub)
		}
	}

	runtime.SafeGo(pub.logger, "rabbitmq-publisher-close-monitor", runtime.KeepRunning, func() {
		select {
		case amqpErr, ok := <-closeNotify:
			if ok && amqpErr != nil {
				pub.logger.Log(context.Background(), log.LevelWarn, "publisher channel closed",
					log.Int("code", amqpErr.Code), log.String("reason", amqpErr.Reason))
			}

			pub.markClosed()
		case <-pub.closedCh:
		}
	})

	return pub, nil
}

// PublishAndWaitConfirm sends msg and blocks until the broker confirms it.
// Calls are serialized so confirms arrive in publish order.
func (pub *ConfirmablePublisher) PublishAndWaitConfirm(
	ctx context.Context,
	exchange, routingKey string,
	msg amqp.Publishing,
) error {
	if pub == nil {
		return ErrPublisherRequired
	}

	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	pub.mu.RLock()
	if pub.closed {
		pub.mu.RUnlock()
		return ErrPublisherClosed
	}

	ch := pub.ch
	pub.mu.RUnlock()

	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	err := waitForConfirm(ctx, pub.confirms, pub.closedCh, pub.confirmTimeout)
	if err != nil && isConfirmStreamCorrupted(err) {
		// A confirm still in flight would be read by the next publish.
		pub.invalidate()
	}

	return err
}

// IsClosed reports whether the publisher can no longer publish.
func (pub *ConfirmablePublisher) IsClosed() bool {
	pub.mu.RLock()
	defer pub.mu.RUnlock()

	return pub.closed
}

// Close closes the channel. Calling it twice is harmless.
func (pub *ConfirmablePublisher) Close() error {
	if pub == nil {
		return ErrPublisherRequired
	}

	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	return pub.invalidate()
}

func (pub *ConfirmablePublisher) markClosed() {
	pub.mu.Lock()
	pub.closed = true
	pub.mu.Unlock()

	pub.closeOnce.Do(func() { close(pub.closedCh) })
}

func (pub *ConfirmablePublisher) invalidate() error {
	pub.mu.Lock()
	already := pub.closed
	pub.closed = true
	pub.mu.Unlock()

	pub.closeOnce.Do(func() { close(pub.closedCh) })

	if already {
		return nil
	}

	if err := pub.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("closing publisher channel: %w", err)
	}

	return nil
}

func isConfirmStreamCorrupted(err error) bool {
	return errors.Is(err, ErrConfirmTimeout) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func waitForConfirm(
	ctx context.Context,
	confirms <-chan amqp.Confirmation,
	closedCh <-chan struct{},
	confirmTimeout time.Duration,
) error {
	timeout := time.NewTimer(confirmTimeout)
	defer timeout.Stop()

	select {
	case confirmed, ok := <-confirms:
		if !ok {
			return ErrPublisherClosed
		}

		if !confirmed.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
		}

		return nil

	case <-closedCh:
		return ErrPublisherClosed

	case <-timeout.C:
		return ErrConfirmTimeout

	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	}
}

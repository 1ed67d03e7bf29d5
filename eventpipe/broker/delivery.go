package broker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Settler is the transport side of a delivery: how an individual message is
// acknowledged, rejected or delayed on the wire.
type Settler interface {
	Ack(ctx context.Context) error
	Nak(ctx context.Context, requeue bool) error
	// Delay returns ErrDelayUnsupported when the transport has no native
	// delayed redelivery.
	Delay(ctx context.Context, d time.Duration) error
}

// DeliveryInfo describes a received message.
type DeliveryInfo struct {
	Message   Message
	MessageID string
	Topic     string
	Partition int
	Attempt   int
}

type delivery struct {
	info    DeliveryInfo
	settler Settler

	mu      sync.Mutex
	settled bool
}

// NewDelivery binds info to settler and enforces single settlement.
func NewDelivery(info DeliveryInfo, settler Settler) Delivery {
	if info.Attempt < 1 {
		info.Attempt = 1
	}

	if info.MessageID == "" {
		info.MessageID = info.Message.ID
	}

	return &delivery{info: info, settler: settler}
}

func (d *delivery) Message() Message  { return d.info.Message }
func (d *delivery) MessageID() string { return d.info.MessageID }
func (d *delivery) Topic() string     { return d.info.Topic }
func (d *delivery) Partition() int    { return d.info.Partition }
func (d *delivery) Attempt() int      { return d.info.Attempt }

func (d *delivery) Settled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.settled
}

func (d *delivery) Ack(ctx context.Context) error {
	return d.settle(func() error { return d.settler.Ack(ctx) })
}

func (d *delivery) Nak(ctx context.Context, requeue bool) error {
	return d.settle(func() error { return d.settler.Nak(ctx, requeue) })
}

func (d *delivery) Delay(ctx context.Context, delay time.Duration) error {
	return d.settle(func() error {
		err := d.settler.Delay(ctx, delay)
		if errors.Is(err, ErrDelayUnsupported) {
			return d.settler.Nak(ctx, true)
		}

		return err
	})
}

// settle marks the delivery settled before calling fn. A failed settlement
// still counts: the transport's own redelivery takes over from there.
func (d *delivery) settle(fn func() error) error {
	d.mu.Lock()
	if d.settled {
		d.mu.Unlock()
		return ErrAlreadySettled
	}

	d.settled = true
	d.mu.Unlock()

	return fn()
}

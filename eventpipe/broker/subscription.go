package broker

import (
	"context"
	"errors"
	"sync"

	"github.com/LerianStudio/lib-eventpipe/eventpipe/errgroup"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/log"
)

// Loop is one consumer loop. It must return when ctx is cancelled.
type Loop func(ctx context.Context) error

type loopSubscription struct {
	cancel context.CancelFunc
	done   chan struct{}

	once sync.Once
	mu   sync.Mutex
	err  error
}

// StartLoops runs loops in their own goroutines under a context derived from
// ctx and returns the Subscription controlling them. A loop returning an error
// stops its siblings.
func StartLoops(ctx context.Context, logger log.Logger, loops ...Loop) Subscription {
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	group, groupCtx := errgroup.WithContext(loopCtx)
	group.SetLogger(logger)

	sub := &loopSubscription{cancel: cancel, done: make(chan struct{})}

	for _, loop := range loops {
		group.Go(func() error { return loop(groupCtx) })
	}

	go func() {
		err := group.Wait()
		if errors.Is(err, context.Canceled) {
			err = nil
		}

		sub.mu.Lock()
		sub.err = err
		sub.mu.Unlock()

		close(sub.done)
	}()

	// The parent context ending also ends the subscription.
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-sub.done:
		}
	}()

	return sub
}

func (s *loopSubscription) Unsubscribe() error {
	s.once.Do(s.cancel)
	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

func (s *loopSubscription) Done() <-chan struct{} { return s.done }

// Subscriptions merges several subscriptions into one.
type Subscriptions []Subscription

// Unsubscribe stops every member and joins their errors.
func (subs Subscriptions) Unsubscribe() error {
	var errs []error

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Done is closed once every member is done.
func (subs Subscriptions) Done() <-chan struct{} {
	done := make(chan struct{})

	go func() {
		for _, sub := range subs {
			<-sub.Done()
		}

		close(done)
	}()

	return done
}

// Registry tracks live subscriptions so Close can stop them.
type Registry struct {
	mu     sync.Mutex
	subs   []Subscription
	closed bool
}

// Track remembers sub. It returns ErrClosed, after stopping sub, when the
// registry has already been closed.
func (r *Registry) Track(sub Subscription) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = sub.Unsubscribe()

		return ErrClosed
	}

	r.subs = append(r.subs, sub)
	r.mu.Unlock()

	return nil
}

// Closed reports whether CloseAll ran.
func (r *Registry) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.closed
}

// CloseAll stops every tracked subscription. Only the first call does work.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}

	r.closed = true
	subs := Subscriptions(r.subs)
	r.subs = nil
	r.mu.Unlock()

	return subs.Unsubscribe()
}

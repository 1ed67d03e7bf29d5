package circuitbreaker

import (
	"time"

	"github.com/sony/gobreaker"
)

// Manager owns the breakers of a process, keyed by service name.
type Manager interface {
	// GetOrCreate returns the breaker for serviceName, creating it with config
	// on first use.
	GetOrCreate(serviceName string, config Config) CircuitBreaker

	// Execute runs fn through the breaker of serviceName.
	Execute(serviceName string, fn func() (any, error)) (any, error)

	GetState(serviceName string) State
	GetCounts(serviceName string) Counts

	// IsHealthy reports whether the breaker is closed.
	IsHealthy(serviceName string) bool

	// Reset replaces the breaker with a fresh closed one.
	Reset(serviceName string)

	RegisterStateChangeListener(listener StateChangeListener)
}

// CircuitBreaker is a single named breaker.
type CircuitBreaker interface {
	Execute(fn func() (any, error)) (any, error)
	State() State
	Counts() Counts
}

// Config describes when a breaker trips and how it recovers.
type Config struct {
	MaxRequests         uint32        // trial calls allowed while half-open
	Interval            time.Duration // window after which closed-state counts reset
	Timeout             time.Duration // time spent open before half-opening
	ConsecutiveFailures uint32        // trips after this many failures in a row; 0 disables
	FailureRatio        float64       // trips when failures/requests reaches this ratio
	MinRequests         uint32        // requests needed in the window before the ratio applies

	// IsSuccessful decides whether an error counts against the breaker. When
	// nil every non-nil error is a failure.
	IsSuccessful func(err error) bool
}

// State is the breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
	StateUnknown  State = "unknown"
)

// Counts mirrors gobreaker.Counts.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// StateChangeListener is notified asynchronously on every transition.
type StateChangeListener interface {
	OnStateChange(serviceName string, from State, to State)
}

// StateChangeListenerFunc adapts a function to StateChangeListener.
type StateChangeListenerFunc func(serviceName string, from State, to State)

func (fn StateChangeListenerFunc) OnStateChange(serviceName string, from State, to State) {
	fn(serviceName, from, to)
}

type circuitBreaker struct {
	breaker *gobreaker.CircuitBreaker
}

func (cb *circuitBreaker) Execute(fn func() (any, error)) (any, error) {
	return cb.breaker.Execute(fn)
}

func (cb *circuitBreaker) State() State {
	return convertGobreakerState(cb.breaker.State())
}

func (cb *circuitBreaker) Counts() Counts {
	return convertCounts(cb.breaker.Counts())
}

func convertGobreakerState(state gobreaker.State) State {
	switch state {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateUnknown
	}
}

func convertCounts(counts gobreaker.Counts) Counts {
	return Counts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}

package resilience

import (
	"time"

	"github.com/LerianStudio/lib-eventpipe/eventpipe/backoff"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/circuitbreaker"
)

// BackoffKind selects how the delay between attempts grows.
type BackoffKind string

const (
	BackoffConstant    BackoffKind = "constant"
	BackoffExponential BackoffKind = "exponential"
)

const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 200 * time.Millisecond
	DefaultMaxDelay    = 5 * time.Second
)

// Policy is the tuning of a Pipeline.
type Policy struct {
	Timeout     time.Duration
	MaxAttempts int
	Backoff     BackoffKind
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
	Breaker     circuitbreaker.Config
	Classifier  func(error) bool
}

// DefaultPolicy: 30s per attempt, three attempts with jittered exponential
// backoff from 200ms capped at 5s, and circuitbreaker.DefaultConfig.
func DefaultPolicy() Policy {
	return Policy{
		Timeout:     DefaultTimeout,
		MaxAttempts: DefaultMaxAttempts,
		Backoff:     BackoffExponential,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Jitter:      true,
		Breaker:     circuitbreaker.DefaultConfig(),
		Classifier:  IsTransient,
	}
}

func (p *Policy) normalize() {
	defaults := DefaultPolicy()

	if p.Timeout <= 0 {
		p.Timeout = defaults.Timeout
	}

	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaults.MaxAttempts
	}

	if p.Backoff != BackoffConstant && p.Backoff != BackoffExponential {
		p.Backoff = defaults.Backoff
	}

	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}

	if p.Classifier == nil {
		p.Classifier = IsTransient
	}
}

// delay returns the wait before retry number retry (0-based).
func (p Policy) delay(retry int) time.Duration {
	d := p.BaseDelay
	if p.Backoff == BackoffExponential {
		d = backoff.Capped(p.BaseDelay, retry, p.MaxDelay)
	}

	if p.Jitter {
		return backoff.FullJitter(d)
	}

	return d
}

package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/sony/gobreaker"
)

var (
	// ErrAttemptTimeout is returned when one attempt exceeded the pipeline
	// timeout while the caller's context was still live.
	ErrAttemptTimeout = errors.New("attempt timed out")
	// ErrNameRequired is returned by New without a pipeline name.
	ErrNameRequired = errors.New("resilience pipeline name is required")
)

var transientMarkers = []string{"connection", "network", "unavailable", "transient", "timeout"}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as never retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// IsTransient classifies err as worth retrying.
func IsTransient(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrAttemptTimeout) {
		return true
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return matchesTransientMarker(err)
}

func matchesTransientMarker(err error) bool {
	if err == nil {
		return false
	}

	if containsMarker(strings.ToLower(fmt.Sprintf("%T", err))) || containsMarker(strings.ToLower(err.Error())) {
		return true
	}

	switch wrapped := err.(type) {
	case interface{ Unwrap() []error }:
		for _, inner := range wrapped.Unwrap() {
			if matchesTransientMarker(inner) {
				return true
			}
		}
	case interface{ Unwrap() error }:
		return matchesTransientMarker(wrapped.Unwrap())
	}

	return false
}

func containsMarker(s string) bool {
	for _, marker := range transientMarkers {
		if strings.Contains(s, marker) {
			return true
		}
	}

	return false
}

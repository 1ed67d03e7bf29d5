package outbox

import "github.com/LerianStudio/lib-eventpipe/eventpipe/resilience"

// RetryClassifier determines whether a publish error should not be retried.
type RetryClassifier interface {
	IsNonRetryable(err error) bool
}

// RetryClassifierFunc adapts a function to RetryClassifier.
type RetryClassifierFunc func(err error) bool

func (fn RetryClassifierFunc) IsNonRetryable(err error) bool {
	if fn == nil {
		return false
	}

	return fn(err)
}

// permanentErrors treats errors marked with resilience.Permanent as final.
var permanentErrors = RetryClassifierFunc(resilience.IsPermanent)

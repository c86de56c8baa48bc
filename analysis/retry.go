package analysis

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/scoutline/pipeline/llm"
)

// RetryPolicy is the explicit retry contract composed around the single
// generation call: attempt budget, backoff shape, per-attempt timeout, and
// the predicate deciding what is worth retrying.
type RetryPolicy struct {
	// MaxAttempts is the total attempt budget, first try included.
	MaxAttempts int

	// InitialBackoff is the floor of the exponential backoff.
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff between attempts.
	MaxBackoff time.Duration

	// Multiplier is applied to the backoff on each retry.
	Multiplier float64

	// AttemptTimeout bounds a single attempt's wall clock, independent of
	// backoff, so a hung call cannot stall the caller indefinitely.
	AttemptTimeout time.Duration

	// Retryable decides whether a failed attempt consumes another try.
	Retryable func(error) bool
}

// DefaultRetryPolicy matches the pipeline contract: 3 attempts, exponential
// backoff starting at 4s and capped at 10s, retrying transient and
// validation failures.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 4 * time.Second,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
		AttemptTimeout: 60 * time.Second,
		Retryable:      IsRetryable,
	}
}

// newBackOff builds the backoff generator for one analyze call. A fresh
// generator per call keeps invocations independent.
func (p RetryPolicy) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.MaxInterval = p.MaxBackoff
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0.25
	b.MaxElapsedTime = 0 // The attempt budget bounds the loop, not elapsed time.
	b.Reset()
	return b
}

// IsRetryable treats transient I/O failures and validation failures as
// retryable. A structurally invalid or out-of-range generation is often
// non-deterministic, so it consumes a retry like any network error. Fatal
// errors (auth, malformed request, missing configuration) are not retried.
func IsRetryable(err error) bool {
	if llm.IsFatal(err) {
		return false
	}
	if llm.IsTransient(err) || IsValidation(err) {
		return true
	}
	return false
}

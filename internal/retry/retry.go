// Package retry implements bounded retry with exponential backoff as an
// explicit state machine, independent of the structure of the calling code.
// Attempts move pending → retrying(n) → succeeded|failed; transient errors
// are retried up to a maximum attempt count with jittered delays, permanent
// and validation errors fail immediately.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/candidata/sourcer/pkg/types"
)

// ErrInvalidMaxAttempts is returned when a policy is constructed with a
// non-positive attempt count.
var ErrInvalidMaxAttempts = errors.New("retry: max attempts must be > 0")

// State is the lifecycle state of a retried operation.
type State string

const (
	StatePending   State = "pending"
	StateRetrying  State = "retrying"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Policy configures bounded retry behavior.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the delay before the second attempt; it doubles on
	// each subsequent attempt.
	BaseDelay time.Duration

	// MaxDelay caps the backoff delay. Zero means no cap.
	MaxDelay time.Duration

	// Jitter adds up to this fraction (0.0-1.0) of random extra delay so
	// coordinated retries from concurrent workers spread out.
	Jitter float64
}

// DefaultPolicy matches the external-call budget used across the pipeline:
// three attempts, 500ms base delay, 10s cap, 20% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Jitter:      0.2,
	}
}

// Outcome describes the final state of a retried operation.
type Outcome struct {
	State    State
	Attempts int
	Err      error
}

// Do runs operation under the policy. It retries only transient errors;
// a validation or permanent error fails the operation immediately with no
// further attempts. The context is checked before each attempt and while
// sleeping between attempts.
func Do(ctx context.Context, p Policy, operation func(ctx context.Context) error) Outcome {
	if p.MaxAttempts <= 0 {
		return Outcome{State: StateFailed, Err: ErrInvalidMaxAttempts}
	}

	out := Outcome{State: StatePending}

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			out.State = StateFailed
			out.Err = ctx.Err()
			return out
		default:
		}

		out.Attempts = attempt
		err := operation(ctx)
		if err == nil {
			out.State = StateSucceeded
			out.Err = nil
			return out
		}
		out.Err = err

		// Only transient failures are worth another attempt.
		if !types.IsTransient(err) {
			out.State = StateFailed
			return out
		}

		if attempt == p.MaxAttempts {
			break
		}

		out.State = StateRetrying
		delay := p.delayFor(attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			out.State = StateFailed
			out.Err = ctx.Err()
			return out
		case <-timer.C:
		}
	}

	out.State = StateFailed
	return out
}

// delayFor computes the jittered exponential delay after the given attempt
// (1-indexed): BaseDelay * 2^(attempt-1), capped at MaxDelay.
func (p Policy) delayFor(attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter > 0 {
		delay += time.Duration(rand.Float64() * p.Jitter * float64(delay))
	}
	return delay
}

// Package retry runs adapter calls under an exponential backoff policy.
// Only transient failures are retried. Policy refusals and permanent
// faults surface immediately, and the loop never sleeps past the
// event's deadline.
package retry

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/relaybot/router/internal/errors"
)

// Policy describes one module's retry behavior. The zero value retries
// nothing; NewPolicy applies the usual defaults.
type Policy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64

	// OnRetry runs before each backoff sleep. The dispatcher hooks
	// metrics and logging here.
	OnRetry func(attempt int, err error, wait time.Duration)

	attempts  atomic.Int64
	retries   atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64
}

// NewPolicy builds a policy with defaults filled in.
func NewPolicy(maxRetries int, initial, max time.Duration) *Policy {
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	if max <= 0 {
		max = 10 * time.Second
	}
	return &Policy{
		MaxRetries:     maxRetries,
		InitialBackoff: initial,
		MaxBackoff:     max,
		Multiplier:     2.0,
	}
}

// Do invokes fn until it succeeds, fails terminally, exhausts the
// attempt budget, or the context expires. The returned error is the
// last attempt's, except that a deadline hit during backoff wraps it
// in deadline-exceeded so the caller can tell the event ran out of
// time rather than out of retries.
func (p *Policy) Do(ctx context.Context, fn func(context.Context) error) error {
	p.attempts.Add(1)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialBackoff
	bo.MaxInterval = p.MaxBackoff
	bo.Multiplier = p.Multiplier
	bo.MaxElapsedTime = 0 // the attempt count and ctx bound the loop
	bo.Reset()

	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return p.failed(deadlineErr(lastErr, err))
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			p.successes.Add(1)
			return nil
		}
		if !errors.IsRetryable(lastErr) || attempt >= p.MaxRetries {
			return p.failed(lastErr)
		}

		wait := bo.NextBackOff()
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < wait {
			return p.failed(deadlineErr(lastErr, context.DeadlineExceeded))
		}

		p.retries.Add(1)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, lastErr, wait)
		}
		select {
		case <-ctx.Done():
			return p.failed(deadlineErr(lastErr, ctx.Err()))
		case <-time.After(wait):
		}
	}
}

func (p *Policy) failed(err error) error {
	p.failures.Add(1)
	return err
}

// deadlineErr reports a context expiry without losing the last adapter
// failure when there was one.
func deadlineErr(lastErr, ctxErr error) error {
	if lastErr != nil {
		return errors.Wrap(errors.ErrDeadlineExceeded, lastErr)
	}
	return errors.Wrap(errors.ErrDeadlineExceeded, ctxErr)
}

// Snapshot is a point-in-time copy of the policy's counters.
type Snapshot struct {
	Attempts  int64 `json:"attempts"`
	Retries   int64 `json:"retries"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
}

// Stats returns the counters accumulated so far.
func (p *Policy) Stats() Snapshot {
	return Snapshot{
		Attempts:  p.attempts.Load(),
		Retries:   p.retries.Load(),
		Successes: p.successes.Load(),
		Failures:  p.failures.Load(),
	}
}

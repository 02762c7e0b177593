// Package breaker guards adapter endpoints with a per-endpoint circuit
// state machine. Closed counts failures inside a rolling window and
// trips at the threshold; open short-circuits calls until the cooldown
// elapses; half-open admits a fixed trial quota and closes only when
// every trial succeeds. A failed trial reopens the circuit and doubles
// the cooldown up to a cap.
package breaker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaybot/router/internal/config"
	"github.com/relaybot/router/internal/errors"
)

// State is the circuit position. The numeric order matches the
// router_breaker_state gauge (0 closed, 1 half-open, 2 open).
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Breaker is one endpoint's circuit. Safe for concurrent use; the
// critical section never makes calls, so holding it is cheap.
type Breaker struct {
	threshold    int
	window       time.Duration
	baseCooldown time.Duration
	maxCooldown  time.Duration
	trials       int

	mu             sync.Mutex
	state          State
	failures       int
	windowStart    time.Time
	trialsStarted  int
	trialSuccesses int
	cooldown       time.Duration
	tripUntil      time.Time

	now          func() time.Time
	onTransition func(to State)

	totalCalls     atomic.Int64
	totalFailures  atomic.Int64
	totalSuccesses atomic.Int64
	totalRejected  atomic.Int64
	totalTrips     atomic.Int64
}

// New builds a closed breaker. Zero config fields fall back to the
// global defaults so a partial per-adapter override stays safe.
func New(cfg config.BreakerConfig) *Breaker {
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = 5
	}
	window := cfg.Window
	if window <= 0 {
		window = 30 * time.Second
	}
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = 10 * time.Second
	}
	maxCooldown := cfg.MaxCooldown
	if maxCooldown < cooldown {
		maxCooldown = 5 * time.Minute
		if maxCooldown < cooldown {
			maxCooldown = cooldown
		}
	}
	trials := cfg.HalfOpenTrials
	if trials <= 0 {
		trials = 1
	}
	return &Breaker{
		threshold:    threshold,
		window:       window,
		baseCooldown: cooldown,
		maxCooldown:  maxCooldown,
		trials:       trials,
		state:        StateClosed,
		cooldown:     cooldown,
		now:          time.Now,
	}
}

// Allow reports whether a call may proceed. It returns ErrCircuitOpen
// while the circuit is open or the half-open trial quota is spent.
// Consulted once per dispatch, before the retry loop.
func (b *Breaker) Allow() error {
	b.totalCalls.Add(1)

	b.mu.Lock()
	now := b.now()

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return nil

	case StateOpen:
		if now.Before(b.tripUntil) {
			b.mu.Unlock()
			b.totalRejected.Add(1)
			return errors.ErrCircuitOpen
		}
		// Cooldown elapsed; this call becomes the first trial.
		b.state = StateHalfOpen
		b.trialsStarted = 1
		b.trialSuccesses = 0
		b.mu.Unlock()
		b.transitioned(StateHalfOpen)
		return nil

	case StateHalfOpen:
		if b.trialsStarted < b.trials {
			b.trialsStarted++
			b.mu.Unlock()
			return nil
		}
		b.mu.Unlock()
		b.totalRejected.Add(1)
		return errors.ErrCircuitOpen
	}

	b.mu.Unlock()
	return nil
}

// RecordSuccess feeds a successful call outcome back into the circuit.
func (b *Breaker) RecordSuccess() {
	b.totalSuccesses.Add(1)

	b.mu.Lock()
	switch b.state {
	case StateClosed:
		b.failures = 0
		b.windowStart = time.Time{}
		b.mu.Unlock()

	case StateHalfOpen:
		b.trialSuccesses++
		if b.trialSuccesses >= b.trials {
			b.state = StateClosed
			b.failures = 0
			b.windowStart = time.Time{}
			b.trialsStarted = 0
			b.trialSuccesses = 0
			b.cooldown = b.baseCooldown
			b.mu.Unlock()
			b.transitioned(StateClosed)
			return
		}
		b.mu.Unlock()

	default:
		b.mu.Unlock()
	}
}

// RecordFailure feeds a failed call outcome back into the circuit.
// Callers record once per dispatch, after retries are exhausted, so
// retries inside a call cannot trip the circuit on their own.
func (b *Breaker) RecordFailure() {
	b.totalFailures.Add(1)

	b.mu.Lock()
	now := b.now()

	switch b.state {
	case StateClosed:
		if b.windowStart.IsZero() || now.Sub(b.windowStart) > b.window {
			b.windowStart = now
			b.failures = 1
		} else {
			b.failures++
		}
		if b.failures >= b.threshold {
			b.trip(now)
			b.mu.Unlock()
			b.transitioned(StateOpen)
			return
		}
		b.mu.Unlock()

	case StateHalfOpen:
		b.cooldown = min(b.cooldown*2, b.maxCooldown)
		b.trip(now)
		b.mu.Unlock()
		b.transitioned(StateOpen)

	default:
		b.mu.Unlock()
	}
}

// trip moves to open. Caller holds the mutex.
func (b *Breaker) trip(now time.Time) {
	b.state = StateOpen
	b.tripUntil = now.Add(b.cooldown)
	b.trialsStarted = 0
	b.trialSuccesses = 0
	b.totalTrips.Add(1)
}

func (b *Breaker) transitioned(to State) {
	if b.onTransition != nil {
		b.onTransition(to)
	}
}

// State returns the current circuit position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot is a point-in-time view of one circuit, shaped for the
// admin endpoint and for warm-restart persistence.
type Snapshot struct {
	State          string        `json:"state"`
	Failures       int           `json:"failures"`
	Threshold      int           `json:"threshold"`
	TripUntil      time.Time     `json:"trip_until"`
	Cooldown       time.Duration `json:"cooldown_ns"`
	TotalCalls     int64         `json:"total_calls"`
	TotalFailures  int64         `json:"total_failures"`
	TotalSuccesses int64         `json:"total_successes"`
	TotalRejected  int64         `json:"total_rejected"`
	TotalTrips     int64         `json:"total_trips"`
}

// Snapshot returns the current view.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	state := b.state
	failures := b.failures
	tripUntil := b.tripUntil
	cooldown := b.cooldown
	b.mu.Unlock()

	return Snapshot{
		State:          state.String(),
		Failures:       failures,
		Threshold:      b.threshold,
		TripUntil:      tripUntil,
		Cooldown:       cooldown,
		TotalCalls:     b.totalCalls.Load(),
		TotalFailures:  b.totalFailures.Load(),
		TotalSuccesses: b.totalSuccesses.Load(),
		TotalRejected:  b.totalRejected.Load(),
		TotalTrips:     b.totalTrips.Load(),
	}
}

// restore seeds the circuit from a persisted snapshot. Only an open
// circuit whose trip deadline is still ahead is worth restoring; every
// other state starts fresh as closed.
func (b *Breaker) restore(snap Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if snap.State != StateOpen.String() || !b.now().Before(snap.TripUntil) {
		return
	}
	b.state = StateOpen
	b.tripUntil = snap.TripUntil
	if snap.Cooldown > 0 {
		b.cooldown = min(snap.Cooldown, b.maxCooldown)
	}
}

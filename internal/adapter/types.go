// Package adapter executes module calls over the supported transports:
// in-process Go functions, pooled Lua scripts, webhooks, gRPC, AWS
// Lambda, GCP Cloud Functions, and OpenWhisk actions. Every variant
// speaks the same request/response contract and reports the same
// health shape; selection is by configuration tag, at wiring time.
package adapter

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/relaybot/router/internal/event"
)

// Adapter is the capability surface a module exposes to the router.
type Adapter interface {
	// Execute runs the module once. Errors carry the router taxonomy;
	// the dispatcher decides retry eligibility from the error kind.
	Execute(ctx context.Context, req *event.ExecuteRequest) (*event.ExecuteResponse, error)
	// Health reports the adapter's rolling condition. Advisory for
	// operators; it never gates dispatch.
	Health() HealthStatus
}

// Status grades an adapter's recent behavior.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// HealthStatus is the rolling view surfaced on /healthz.
type HealthStatus struct {
	Status              Status    `json:"status"`
	ConsecutiveFailures int64     `json:"consecutive_failures"`
	TotalCalls          int64     `json:"total_calls"`
	TotalFailures       int64     `json:"total_failures"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
}

// healthTracker counts consecutive failures. Success resets the streak;
// the threshold (default 3) marks the adapter unhealthy.
type healthTracker struct {
	threshold     int64
	consecutive   atomic.Int64
	totalCalls    atomic.Int64
	totalFailures atomic.Int64
	lastFailure   atomic.Int64 // unix nanos, 0 when never failed
}

func newHealthTracker(threshold int) *healthTracker {
	if threshold <= 0 {
		threshold = 3
	}
	return &healthTracker{threshold: int64(threshold)}
}

// observe records one call outcome.
func (h *healthTracker) observe(err error) {
	h.totalCalls.Add(1)
	if err == nil {
		h.consecutive.Store(0)
		return
	}
	h.consecutive.Add(1)
	h.totalFailures.Add(1)
	h.lastFailure.Store(time.Now().UnixNano())
}

func (h *healthTracker) status() HealthStatus {
	consecutive := h.consecutive.Load()
	s := StatusHealthy
	switch {
	case consecutive >= h.threshold:
		s = StatusUnhealthy
	case consecutive > 0:
		s = StatusDegraded
	}
	hs := HealthStatus{
		Status:              s,
		ConsecutiveFailures: consecutive,
		TotalCalls:          h.totalCalls.Load(),
		TotalFailures:       h.totalFailures.Load(),
	}
	if ns := h.lastFailure.Load(); ns != 0 {
		hs.LastFailure = time.Unix(0, ns)
	}
	return hs
}

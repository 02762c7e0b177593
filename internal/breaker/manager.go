package breaker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaybot/router/internal/config"
	"github.com/relaybot/router/internal/logging"
	"github.com/relaybot/router/internal/metrics"
	"github.com/relaybot/router/internal/state"
)

// stateKey is where the manager persists its snapshot blob.
const stateKey = "breakers"

const persistTimeout = 2 * time.Second

// Manager owns one breaker per adapter endpoint. Transitions are
// mirrored to the state store so a restarted router does not hammer an
// endpoint that was tripped moments before.
type Manager struct {
	defaults config.BreakerConfig
	store    state.Store      // nil disables persistence
	metrics  *metrics.Metrics // nil disables gauges

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewManager creates an empty manager. store and m may be nil.
func NewManager(defaults config.BreakerConfig, store state.Store, m *metrics.Metrics) *Manager {
	return &Manager{
		defaults: defaults,
		store:    store,
		metrics:  m,
		breakers: make(map[string]*Breaker),
	}
}

// For returns the breaker for endpoint, creating it with the global
// defaults on first use.
func (mg *Manager) For(endpoint string) *Breaker {
	mg.mu.RLock()
	b, ok := mg.breakers[endpoint]
	mg.mu.RUnlock()
	if ok {
		return b
	}
	return mg.Register(endpoint, mg.defaults)
}

// Register creates (or replaces) the breaker for endpoint with an
// explicit per-adapter configuration. The adapter factory calls this
// while wiring modules.
func (mg *Manager) Register(endpoint string, cfg config.BreakerConfig) *Breaker {
	b := New(cfg)
	b.onTransition = func(to State) { mg.onTransition(endpoint, to) }

	mg.mu.Lock()
	mg.breakers[endpoint] = b
	mg.mu.Unlock()

	if mg.metrics != nil {
		mg.metrics.RecordBreakerState(endpoint, float64(StateClosed))
	}
	return b
}

func (mg *Manager) onTransition(endpoint string, to State) {
	logging.Info("circuit transition",
		zap.String("endpoint", endpoint), zap.String("state", to.String()))
	if mg.metrics != nil {
		mg.metrics.RecordBreakerState(endpoint, float64(to))
		if to == StateOpen {
			mg.metrics.BreakerTrips.WithLabelValues(endpoint).Inc()
		}
	}
	mg.persist()
}

// Snapshots returns the current view of every circuit, keyed by endpoint.
func (mg *Manager) Snapshots() map[string]Snapshot {
	mg.mu.RLock()
	defer mg.mu.RUnlock()
	out := make(map[string]Snapshot, len(mg.breakers))
	for endpoint, b := range mg.breakers {
		out[endpoint] = b.Snapshot()
	}
	return out
}

// persist writes all snapshots to the state store. Runs outside any
// breaker mutex; a store hiccup only costs warm-restart fidelity.
func (mg *Manager) persist() {
	if mg.store == nil {
		return
	}
	data, err := json.Marshal(mg.Snapshots())
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := mg.store.Put(ctx, stateKey, data, 0); err != nil {
		logging.Warn("circuit snapshot persist failed", zap.Error(err))
	}
}

// Restore seeds circuits from the persisted snapshots. Only circuits
// still inside their trip window come back open; everything else
// starts closed. Endpoints not yet registered are created with the
// global defaults.
func (mg *Manager) Restore(ctx context.Context) error {
	if mg.store == nil {
		return nil
	}
	data, ok, err := mg.store.Get(ctx, stateKey)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	var snaps map[string]Snapshot
	if err := json.Unmarshal(data, &snaps); err != nil {
		logging.Warn("discarding unreadable circuit snapshots", zap.Error(err))
		return nil
	}
	for endpoint, snap := range snaps {
		b := mg.For(endpoint)
		b.restore(snap)
		if st := b.State(); st != StateClosed {
			logging.Info("circuit restored",
				zap.String("endpoint", endpoint), zap.String("state", st.String()),
				zap.Time("trip_until", snap.TripUntil))
			if mg.metrics != nil {
				mg.metrics.RecordBreakerState(endpoint, float64(st))
			}
		}
	}
	return nil
}

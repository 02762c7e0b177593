package routesource

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/relaybot/router/internal/logging"
)

// InvalidateAllToken on the signal channel flushes every compiled table.
const InvalidateAllToken = "*"

// Invalidator forwards admin-plane invalidation signals from a redis
// pub/sub channel. Each message payload is a community id, or "*" for
// everything. Sources that watch their own backing store (file, etcd)
// do not need it; the static source does when several router replicas
// share one admin plane.
type Invalidator struct {
	sub    *redis.PubSub
	onOne  func(communityID string)
	onAll  func()
	closed chan struct{}
}

// NewInvalidator subscribes to channel and dispatches payloads to the
// callbacks. Subscription confirmation is awaited so a misconfigured
// redis fails at startup rather than silently never delivering.
func NewInvalidator(ctx context.Context, rdb *redis.Client, channel string, onOne func(string), onAll func()) (*Invalidator, error) {
	sub := rdb.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	inv := &Invalidator{sub: sub, onOne: onOne, onAll: onAll, closed: make(chan struct{})}
	go inv.loop()
	return inv, nil
}

func (inv *Invalidator) loop() {
	defer close(inv.closed)
	for msg := range inv.sub.Channel() {
		if msg.Payload == InvalidateAllToken {
			logging.Info("route invalidation signal", zap.String("scope", "all"))
			inv.onAll()
			continue
		}
		logging.Debug("route invalidation signal", zap.String("community", msg.Payload))
		inv.onOne(msg.Payload)
	}
}

// Close unsubscribes and waits for the dispatch loop to drain.
func (inv *Invalidator) Close() error {
	err := inv.sub.Close()
	<-inv.closed
	return err
}

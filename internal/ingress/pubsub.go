package ingress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/mempubsub" // in-memory driver, used in tests

	"github.com/relaybot/router/internal/config"
	"github.com/relaybot/router/internal/engine"
	"github.com/relaybot/router/internal/errors"
	"github.com/relaybot/router/internal/event"
	"github.com/relaybot/router/internal/logging"
	"github.com/relaybot/router/internal/metrics"
)

// PubSubConsumer pulls events from a gocloud.dev subscription, so the
// same binary serves GCP Pub/Sub, SNS/SQS, or Kafka by URL. Acks follow
// the AMQP consumer's rule: only after the terminal audit write.
type PubSubConsumer struct {
	engine  *engine.Engine
	metrics *metrics.Metrics
	sub     *pubsub.Subscription

	wg sync.WaitGroup

	acked    atomic.Int64
	requeued atomic.Int64
	dropped  atomic.Int64
}

// NewPubSubConsumer opens the subscription URL.
func NewPubSubConsumer(ctx context.Context, cfg config.PubSubIngressConfig, eng *engine.Engine, m *metrics.Metrics) (*PubSubConsumer, error) {
	if m == nil {
		m = metrics.NewNop()
	}
	sub, err := pubsub.OpenSubscription(ctx, cfg.SubscriptionURL)
	if err != nil {
		return nil, fmt.Errorf("ingress: open subscription %s: %w", cfg.SubscriptionURL, err)
	}
	return &PubSubConsumer{engine: eng, metrics: m, sub: sub}, nil
}

// Start launches the receive loop. It ends when ctx is cancelled or the
// subscription is shut down.
func (c *PubSubConsumer) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.receive(ctx)
	}()
	logging.Info("pubsub intake consuming")
}

func (c *PubSubConsumer) receive(ctx context.Context) {
	for {
		msg, err := c.sub.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logging.Error("pubsub intake receive", zap.Error(err))
			}
			return
		}
		c.handleMsg(ctx, msg)
	}
}

func (c *PubSubConsumer) handleMsg(ctx context.Context, msg *pubsub.Message) {
	ev, err := event.Decode(msg.Body)
	if err != nil {
		// Poison payloads are acked away; redelivering them would loop
		// forever. Dead-lettering is the provider's concern.
		c.dropped.Add(1)
		c.metrics.RecordRejection(errors.CodeOf(err))
		logging.Warn("pubsub intake poison message", zap.Error(err))
		msg.Ack()
		return
	}

	c.metrics.RecordEvent(ev.Platform, string(ev.Kind))
	result := c.engine.Process(ctx, ev)

	switch actionFor(result) {
	case ackDone:
		c.acked.Add(1)
		msg.Ack()
	case ackDrop:
		c.dropped.Add(1)
		c.metrics.RecordRejection(errors.CodeOf(result))
		logging.Warn("pubsub intake dropped event",
			zap.String("event_id", ev.ID),
			zap.Error(result))
		msg.Ack()
	case ackRequeue:
		c.requeued.Add(1)
		logging.Warn("pubsub intake requeued event",
			zap.String("event_id", ev.ID),
			zap.Error(result))
		if msg.Nackable() {
			msg.Nack()
		}
		// Otherwise leave it unacked; the driver redelivers after its
		// visibility deadline.
	}
}

// Close shuts the subscription down and waits for the loop to exit.
func (c *PubSubConsumer) Close(ctx context.Context) error {
	err := c.sub.Shutdown(ctx)
	c.wg.Wait()
	return err
}

// PubSubSnapshot is the consumer counter view surfaced on /stats.
type PubSubSnapshot struct {
	Acked    int64 `json:"acked"`
	Requeued int64 `json:"requeued"`
	Dropped  int64 `json:"dropped"`
}

// Stats returns a copy of the consumer counters.
func (c *PubSubConsumer) Stats() PubSubSnapshot {
	return PubSubSnapshot{
		Acked:    c.acked.Load(),
		Requeued: c.requeued.Load(),
		Dropped:  c.dropped.Load(),
	}
}

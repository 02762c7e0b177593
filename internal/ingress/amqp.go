package ingress

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/relaybot/router/internal/config"
	"github.com/relaybot/router/internal/engine"
	"github.com/relaybot/router/internal/errors"
	"github.com/relaybot/router/internal/event"
	"github.com/relaybot/router/internal/logging"
	"github.com/relaybot/router/internal/metrics"
)

// AMQPConsumer pulls events from a broker queue with manual acks. The
// ack is sent only after the engine has committed a terminal audit
// record, so a crash mid-event redelivers rather than loses. Prefetch
// bounds the unacknowledged window; when the router is saturated the
// consumer simply stops pulling.
type AMQPConsumer struct {
	cfg     config.AMQPIngressConfig
	engine  *engine.Engine
	metrics *metrics.Metrics

	mu   sync.Mutex
	conn *amqp091.Connection
	ch   *amqp091.Channel

	closed atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup

	acked    atomic.Int64
	requeued atomic.Int64
	dropped  atomic.Int64
}

// NewAMQPConsumer builds the consumer. Start dials.
func NewAMQPConsumer(cfg config.AMQPIngressConfig, eng *engine.Engine, m *metrics.Metrics) *AMQPConsumer {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 64
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "router"
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &AMQPConsumer{cfg: cfg, engine: eng, metrics: m, done: make(chan struct{})}
}

// Start launches the supervised consume loop. It returns after the
// first successful connect; later broker drops redial with backoff
// until ctx is cancelled or Close is called.
func (c *AMQPConsumer) Start(ctx context.Context) error {
	deliveries, err := c.connect()
	if err != nil {
		return err
	}
	c.wg.Add(1)
	go c.run(ctx, deliveries)
	return nil
}

func (c *AMQPConsumer) connect() (<-chan amqp091.Delivery, error) {
	conn, err := amqp091.Dial(c.cfg.URL)
	if err != nil {
		return nil, errors.Wrap(errors.ErrNetwork, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(errors.ErrNetwork, err)
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, errors.Wrap(errors.ErrNetwork, err)
	}
	deliveries, err := ch.Consume(c.cfg.Queue, c.cfg.Consumer, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, errors.Wrap(errors.ErrNetwork, err)
	}

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		ch.Close()
		conn.Close()
		return nil, errors.ErrNetwork.WithDetail("consumer closed")
	}
	c.conn, c.ch = conn, ch
	c.mu.Unlock()

	logging.Info("amqp intake consuming",
		zap.String("queue", c.cfg.Queue),
		zap.Int("prefetch", c.cfg.Prefetch))
	return deliveries, nil
}

func (c *AMQPConsumer) run(ctx context.Context, deliveries <-chan amqp091.Delivery) {
	defer c.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	for {
		c.drain(ctx, deliveries)
		if ctx.Err() != nil || c.closed.Load() {
			return
		}

		// The channel closed under us. Redial until the broker is back.
		wait := bo.NextBackOff()
		logging.Warn("amqp intake reconnecting", zap.Duration("wait", wait))
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-time.After(wait):
		}
		next, err := c.connect()
		if err != nil {
			logging.Error("amqp intake redial", zap.Error(err))
			continue
		}
		bo.Reset()
		deliveries = next
	}
}

// drain processes deliveries until the channel closes or ctx ends.
func (c *AMQPConsumer) drain(ctx context.Context, deliveries <-chan amqp091.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			c.handle(ctx, d)
		}
	}
}

func (c *AMQPConsumer) handle(ctx context.Context, d amqp091.Delivery) {
	ev, err := event.Decode(d.Body)
	if err != nil {
		c.dropped.Add(1)
		c.metrics.RecordRejection(errors.CodeOf(err))
		logging.Warn("amqp intake poison message",
			zap.Uint64("delivery_tag", d.DeliveryTag),
			zap.Error(err))
		if err := d.Reject(false); err != nil {
			logging.Error("amqp reject", zap.Error(err))
		}
		return
	}

	c.metrics.RecordEvent(ev.Platform, string(ev.Kind))
	result := c.engine.Process(ctx, ev)

	switch actionFor(result) {
	case ackDone:
		c.acked.Add(1)
		if err := d.Ack(false); err != nil {
			logging.Error("amqp ack", zap.String("event_id", ev.ID), zap.Error(err))
		}
	case ackDrop:
		c.dropped.Add(1)
		c.metrics.RecordRejection(errors.CodeOf(result))
		logging.Warn("amqp intake dropped event",
			zap.String("event_id", ev.ID),
			zap.Error(result))
		if err := d.Reject(false); err != nil {
			logging.Error("amqp reject", zap.Error(err))
		}
	case ackRequeue:
		c.requeued.Add(1)
		logging.Warn("amqp intake requeued event",
			zap.String("event_id", ev.ID),
			zap.Error(result))
		if err := d.Nack(false, true); err != nil {
			logging.Error("amqp nack", zap.Error(err))
		}
	}
}

// Close cancels consumption and waits for in-flight handlers.
func (c *AMQPConsumer) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		close(c.done)
	}

	c.mu.Lock()
	ch, conn := c.ch, c.conn
	c.ch, c.conn = nil, nil
	c.mu.Unlock()

	var err error
	if ch != nil {
		err = ch.Cancel(c.cfg.Consumer, false)
	}
	c.wg.Wait()
	if conn != nil {
		if cerr := conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// AMQPSnapshot is the consumer counter view surfaced on /stats.
type AMQPSnapshot struct {
	Acked    int64 `json:"acked"`
	Requeued int64 `json:"requeued"`
	Dropped  int64 `json:"dropped"`
}

// Stats returns a copy of the consumer counters.
func (c *AMQPConsumer) Stats() AMQPSnapshot {
	return AMQPSnapshot{
		Acked:    c.acked.Load(),
		Requeued: c.requeued.Load(),
		Dropped:  c.dropped.Load(),
	}
}

package egress

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/relaybot/router/internal/config"
	"github.com/relaybot/router/internal/errors"
)

// platformToken in a routing key is replaced with the delivery's
// platform, so one binding can shard a topic exchange per platform.
const platformToken = "{platform}"

// amqpChannel is the slice of amqp091.Channel the bridge publishes
// through; tests substitute a recorder.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// amqpBridge publishes deliveries to a broker exchange. Platform
// adapters consume their own queue bound by routing key.
type amqpBridge struct {
	url        string
	exchange   string
	routingKey string

	mu   sync.Mutex
	conn *amqp091.Connection
	ch   amqpChannel
}

func newAMQPBridge(oc config.OutboundConfig) (*amqpBridge, error) {
	if oc.AMQPURL == "" {
		return nil, fmt.Errorf("egress: binding %s: amqp_url is required", oc.Name)
	}
	rk := oc.RoutingKey
	if rk == "" {
		rk = "egress." + platformToken
	}
	b := &amqpBridge{url: oc.AMQPURL, exchange: oc.Exchange, routingKey: rk}
	b.mu.Lock()
	err := b.connectLocked()
	b.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("egress: binding %s: %w", oc.Name, err)
	}
	return b, nil
}

// newAMQPBridgeWith injects a channel directly, bypassing the dial.
func newAMQPBridgeWith(exchange, routingKey string, ch amqpChannel) *amqpBridge {
	return &amqpBridge{exchange: exchange, routingKey: routingKey, ch: ch}
}

func (b *amqpBridge) connectLocked() error {
	conn, err := amqp091.Dial(b.url)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}
	b.conn, b.ch = conn, ch
	return nil
}

// channel returns the live channel, re-dialing when the connection has
// dropped since the last publish.
func (b *amqpBridge) channel() (amqpChannel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch != nil && (b.conn == nil || !b.conn.IsClosed()) {
		return b.ch, nil
	}
	if err := b.connectLocked(); err != nil {
		return nil, err
	}
	return b.ch, nil
}

// reset drops the channel so the next send re-dials.
func (b *amqpBridge) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch != nil {
		b.ch.Close()
		b.ch = nil
	}
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
}

func (b *amqpBridge) Send(ctx context.Context, d *Delivery) error {
	ch, err := b.channel()
	if err != nil {
		return errors.Wrap(errors.ErrNetwork, err)
	}

	body, err := json.Marshal(d)
	if err != nil {
		return errors.Wrap(errors.ErrAdapterClient, err)
	}
	key := strings.ReplaceAll(b.routingKey, platformToken, d.Platform)

	err = ch.PublishWithContext(ctx, b.exchange, key, false, false, amqp091.Publishing{
		ContentType:   "application/json",
		MessageId:     d.RequestID,
		CorrelationId: d.CorrelationID,
		Timestamp:     d.Timestamp,
		Body:          body,
	})
	if err != nil {
		b.reset()
		return errors.Wrap(errors.ErrNetwork, err)
	}
	return nil
}

func (b *amqpBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch != nil {
		b.ch.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

package ingress

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/relaybot/router/internal/audit"
	"github.com/relaybot/router/internal/config"
	"github.com/relaybot/router/internal/errors"
)

// fakeAck records acknowledgements in place of a broker channel.
type fakeAck struct {
	mu       sync.Mutex
	acks     []uint64
	rejects  []uint64
	nacks    []uint64
	requeues []bool
}

func (f *fakeAck) Ack(tag uint64, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, tag)
	return nil
}

func (f *fakeAck) Nack(tag uint64, _ bool, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacks = append(f.nacks, tag)
	f.requeues = append(f.requeues, requeue)
	return nil
}

func (f *fakeAck) Reject(tag uint64, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejects = append(f.rejects, tag)
	f.requeues = append(f.requeues, requeue)
	return nil
}

func delivery(ack amqp091.Acknowledger, tag uint64, body []byte) amqp091.Delivery {
	return amqp091.Delivery{Acknowledger: ack, DeliveryTag: tag, Body: body}
}

func TestAMQPAcksAfterTerminalAudit(t *testing.T) {
	mod := &stubAdapter{}
	eng, _, _ := newIntake(t, config.EngineConfig{}, nil, audit.Options{}, mod)
	c := NewAMQPConsumer(config.AMQPIngressConfig{Queue: "events"}, eng, nil)

	ack := &fakeAck{}
	c.handle(context.Background(), delivery(ack, 7, eventJSON("ev-1", "c1", "!ping")))

	if got := mod.calls.Load(); got != 1 {
		t.Fatalf("expected 1 adapter call, got %d", got)
	}
	if len(ack.acks) != 1 || ack.acks[0] != 7 {
		t.Fatalf("expected ack of tag 7, got %v", ack.acks)
	}
	if len(ack.nacks) != 0 || len(ack.rejects) != 0 {
		t.Errorf("expected no nacks or rejects, got %v / %v", ack.nacks, ack.rejects)
	}
	if got := c.Stats().Acked; got != 1 {
		t.Errorf("expected 1 acked, got %d", got)
	}
}

func TestAMQPRejectsPoisonWithoutRequeue(t *testing.T) {
	mod := &stubAdapter{}
	eng, _, _ := newIntake(t, config.EngineConfig{}, nil, audit.Options{}, mod)
	c := NewAMQPConsumer(config.AMQPIngressConfig{Queue: "events"}, eng, nil)

	ack := &fakeAck{}
	c.handle(context.Background(), delivery(ack, 3, []byte("{not an event")))

	if len(ack.rejects) != 1 || ack.rejects[0] != 3 {
		t.Fatalf("expected reject of tag 3, got %v", ack.rejects)
	}
	if ack.requeues[0] {
		t.Error("expected poison reject without requeue")
	}
	if got := mod.calls.Load(); got != 0 {
		t.Errorf("expected no adapter calls, got %d", got)
	}
	if got := c.Stats().Dropped; got != 1 {
		t.Errorf("expected 1 dropped, got %d", got)
	}
}

func TestAMQPDropsUnknownCommunity(t *testing.T) {
	mod := &stubAdapter{}
	eng, _, _ := newIntake(t, config.EngineConfig{}, nil, audit.Options{}, mod)
	c := NewAMQPConsumer(config.AMQPIngressConfig{Queue: "events"}, eng, nil)

	ack := &fakeAck{}
	c.handle(context.Background(), delivery(ack, 4, eventJSON("ev-1", "ghost", "!ping")))

	if len(ack.rejects) != 1 {
		t.Fatalf("expected 1 reject, got %v", ack.rejects)
	}
	if ack.requeues[0] {
		t.Error("expected drop without requeue")
	}
}

func TestAMQPRequeuesOnAuditRefusal(t *testing.T) {
	mod := &stubAdapter{}
	eng, _, writer := newIntake(t, config.EngineConfig{}, failingSink{}, audit.Options{FlushInterval: 2 * time.Millisecond}, mod)

	if err := writer.Append(audit.Record{EventID: "seed", Decision: audit.DecisionRouted}); err != nil {
		t.Fatalf("seed append: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !writer.Stats().Unhealthy {
		if time.Now().After(deadline) {
			t.Fatal("writer never became unhealthy")
		}
		time.Sleep(5 * time.Millisecond)
	}

	c := NewAMQPConsumer(config.AMQPIngressConfig{Queue: "events"}, eng, nil)
	ack := &fakeAck{}
	c.handle(context.Background(), delivery(ack, 9, eventJSON("ev-1", "c1", "!ping")))

	if len(ack.nacks) != 1 || ack.nacks[0] != 9 {
		t.Fatalf("expected nack of tag 9, got %v", ack.nacks)
	}
	if !ack.requeues[0] {
		t.Error("expected refusal to requeue for redelivery")
	}
	if got := mod.calls.Load(); got != 0 {
		t.Errorf("expected no adapter calls before the reservation, got %d", got)
	}
	if got := c.Stats().Requeued; got != 1 {
		t.Errorf("expected 1 requeued, got %d", got)
	}
}

func TestActionFor(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ackAction
	}{
		{"success", nil, ackDone},
		{"malformed", errors.ErrMalformedEvent, ackDrop},
		{"unknown community", errors.ErrUnknownCommunity, ackDrop},
		{"audit refusal", errors.ErrAuditUnavailable, ackRequeue},
		{"store outage", errors.ErrStoreUnavailable, ackRequeue},
		{"untyped", stderrors.New("boom"), ackRequeue},
	}
	for _, tc := range cases {
		if got := actionFor(tc.err); got != tc.want {
			t.Errorf("%s: expected %d, got %d", tc.name, tc.want, got)
		}
	}
}

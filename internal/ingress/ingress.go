// Package ingress accepts normalized events from platform receivers.
// Three intake paths share one contract: the synchronous HTTP endpoint
// answers with a deterministic status code, while the AMQP and pub/sub
// consumers run events inline and tie their acknowledgement to the
// terminal audit write, giving receivers at-least-once delivery.
package ingress

import (
	"github.com/relaybot/router/internal/errors"
)

// ackAction is the queue consumer's verdict on one message.
type ackAction int

const (
	// ackDone acknowledges: a terminal audit record was committed.
	ackDone ackAction = iota
	// ackRequeue returns the message for redelivery: the router refused
	// it untouched, typically because the audit sink is saturated.
	ackRequeue
	// ackDrop discards without redelivery: the payload can never
	// succeed (malformed, unknown community).
	ackDrop
)

// actionFor maps a processing outcome to its acknowledgement. Input
// errors are poison; everything else that fails is redeliverable.
func actionFor(err error) ackAction {
	switch {
	case err == nil:
		return ackDone
	case errors.KindOf(err) == errors.KindInput:
		return ackDrop
	default:
		return ackRequeue
	}
}

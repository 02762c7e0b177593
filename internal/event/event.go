// Package event defines the wire-stable records exchanged with platform
// receivers and action modules.
package event

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/relaybot/router/internal/errors"
)

// Kind partitions events into chat commands and platform notifications.
type Kind string

const (
	KindCommand Kind = "command"
	KindEvent   Kind = "event"
)

// User identifies the principal that triggered an event.
type User struct {
	ID             string `json:"id"`
	Username       string `json:"username"`
	PlatformUserID string `json:"platform_user_id"`
}

// Event is a normalized inbound record produced by a platform receiver.
// Immutable after decode.
type Event struct {
	ID            string         `json:"id"`
	CommunityID   string         `json:"community_id"`
	Platform      string         `json:"platform"`
	EntityID      string         `json:"entity_id"`
	User          User           `json:"user"`
	Kind          Kind           `json:"kind"`
	Text          string         `json:"text,omitempty"`
	EventType     string         `json:"event_type,omitempty"`
	EventData     map[string]any `json:"event_data,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

const eventSchema = `{
  "type": "object",
  "required": ["id", "community_id", "platform", "entity_id", "user", "kind", "timestamp"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "community_id": {"type": "string", "minLength": 1},
    "platform": {"type": "string", "minLength": 1},
    "entity_id": {"type": "string", "minLength": 1},
    "user": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "username": {"type": "string"},
        "platform_user_id": {"type": "string"}
      }
    },
    "kind": {"enum": ["command", "event"]},
    "text": {"type": "string"},
    "event_type": {"type": "string"},
    "event_data": {"type": "object"},
    "timestamp": {"type": "string"},
    "correlation_id": {"type": "string"}
  }
}`

var compiledSchema = mustCompile(eventSchema)

func mustCompile(raw string) *jsonschema.Schema {
	var doc interface{}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		panic(err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("event.json", doc); err != nil {
		panic(err)
	}
	return c.MustCompile("event.json")
}

// Decode parses and validates a wire event. A missing correlation id is
// assigned here so every downstream audit row can be joined.
func Decode(data []byte) (*Event, error) {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.ErrMalformedEvent.WithDetail(err.Error())
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return nil, errors.ErrMalformedEvent.WithDetail(err.Error())
	}

	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, errors.ErrMalformedEvent.WithDetail(err.Error())
	}
	if err := ev.Check(); err != nil {
		return nil, err
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = uuid.NewString()
	}
	return &ev, nil
}

// RoleBucket coarsens the principal into the role tier platforms carry
// in event metadata (moderator, subscriber, ...). Responses cache per
// tier, not per user, unless a route opts into user scoping.
func (e *Event) RoleBucket() string {
	if role, ok := e.EventData["role"].(string); ok && role != "" {
		return role
	}
	return "default"
}

// Check enforces the kind-dependent requirements the schema cannot express.
func (e *Event) Check() error {
	switch e.Kind {
	case KindCommand:
		if strings.TrimSpace(e.Text) == "" {
			return errors.ErrMalformedEvent.WithDetail("command event requires text")
		}
	case KindEvent:
		if e.EventType == "" {
			return errors.ErrMalformedEvent.WithDetail("platform event requires event_type")
		}
	default:
		return errors.ErrMalformedEvent.WithDetailf("unknown kind %q", e.Kind)
	}
	if e.Timestamp.IsZero() {
		return errors.ErrMalformedEvent.WithDetail("timestamp must be set")
	}
	return nil
}

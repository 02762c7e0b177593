package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CommunityRef is the tenant slice of an adapter payload.
type CommunityRef struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// EntityRef names the channel or guild the event came from.
type EntityRef struct {
	ID       string `json:"id"`
	Platform string `json:"platform"`
}

// Trigger carries what fired the route: the matched command and the
// remainder of the message, or the platform event payload.
type Trigger struct {
	Command     string         `json:"command,omitempty"`
	ContextText string         `json:"context_text,omitempty"`
	EventType   string         `json:"event_type,omitempty"`
	EventData   map[string]any `json:"event_data,omitempty"`
	Args        map[string]any `json:"args,omitempty"`
}

// ExecuteRequest is the payload handed to an adapter. The JSON form is
// wire-stable; protobuf transports mirror it field for field. RequestID
// is stable across retries so modules can deduplicate.
type ExecuteRequest struct {
	RequestID string       `json:"request_id"`
	Community CommunityRef `json:"community"`
	Trigger   Trigger      `json:"trigger"`
	User      User         `json:"user"`
	Entity    EntityRef    `json:"entity"`
	Timestamp time.Time    `json:"timestamp"`

	// Envelope is the signed scope grant. It travels out of band:
	// bearer metadata on gRPC, verified in process for local modules.
	Envelope string `json:"-"`

	// CorrelationID joins the request to its originating event in audit.
	CorrelationID string `json:"-"`
	RouteID       string `json:"-"`
	Module        string `json:"-"`
}

// NewRequestID mints the identifier retries will reuse.
func NewRequestID() string {
	return uuid.NewString()
}

// Target names a platform the response should be delivered to, with an
// optional entity override. The wire form is either a bare string
// ("twitch") or an object ({"type":"discord","entity":"guild-9"}).
type Target struct {
	Type   string         `json:"type"`
	Entity string         `json:"entity,omitempty"`
	Extra  map[string]any `json:"-"`
}

// UnmarshalJSON accepts both wire forms.
func (t *Target) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		t.Type = s
		return nil
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	typ, _ := raw["type"].(string)
	if typ == "" {
		return fmt.Errorf("target object requires type")
	}
	t.Type = typ
	if ent, ok := raw["entity"].(string); ok {
		t.Entity = ent
	}
	delete(raw, "type")
	delete(raw, "entity")
	if len(raw) > 0 {
		t.Extra = raw
	}
	return nil
}

// MarshalJSON writes the compact string form when only a platform is set.
func (t Target) MarshalJSON() ([]byte, error) {
	if t.Entity == "" && len(t.Extra) == 0 {
		return json.Marshal(t.Type)
	}
	obj := make(map[string]any, len(t.Extra)+2)
	for k, v := range t.Extra {
		obj[k] = v
	}
	obj["type"] = t.Type
	if t.Entity != "" {
		obj["entity"] = t.Entity
	}
	return json.Marshal(obj)
}

// ExecuteResponse is what an adapter returns. NoCache lets a module veto
// caching of an otherwise cacheable success, for user-specific output.
type ExecuteResponse struct {
	Success bool     `json:"success"`
	Message string   `json:"message,omitempty"`
	Data    any      `json:"data,omitempty"`
	Error   string   `json:"error,omitempty"`
	Targets []Target `json:"targets,omitempty"`
	NoCache bool     `json:"no_cache,omitempty"`
}

// DecodeResponse parses an adapter response body.
func DecodeResponse(data []byte) (*ExecuteResponse, error) {
	var resp ExecuteResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode adapter response: %w", err)
	}
	return &resp, nil
}

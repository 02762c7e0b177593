package event

import (
	"encoding/json"
	"testing"
)

func TestTargetUnmarshalString(t *testing.T) {
	var tgt Target
	if err := json.Unmarshal([]byte(`"twitch"`), &tgt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tgt.Type != "twitch" || tgt.Entity != "" {
		t.Errorf("unexpected target %+v", tgt)
	}
}

func TestTargetUnmarshalObject(t *testing.T) {
	var tgt Target
	raw := `{"type": "discord", "entity": "guild-9", "thread": "general"}`
	if err := json.Unmarshal([]byte(raw), &tgt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tgt.Type != "discord" {
		t.Errorf("expected discord, got %q", tgt.Type)
	}
	if tgt.Entity != "guild-9" {
		t.Errorf("expected guild-9, got %q", tgt.Entity)
	}
	if tgt.Extra["thread"] != "general" {
		t.Errorf("expected extra thread field, got %v", tgt.Extra)
	}
}

func TestTargetUnmarshalObjectWithoutType(t *testing.T) {
	var tgt Target
	if err := json.Unmarshal([]byte(`{"entity": "guild-9"}`), &tgt); err == nil {
		t.Fatal("expected error for target without type")
	}
}

func TestTargetMarshalRoundTrip(t *testing.T) {
	plain, err := json.Marshal(Target{Type: "twitch"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(plain) != `"twitch"` {
		t.Errorf("expected bare string form, got %s", plain)
	}

	full, err := json.Marshal(Target{Type: "discord", Entity: "guild-9"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var back Target
	if err := json.Unmarshal(full, &back); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if back.Type != "discord" || back.Entity != "guild-9" {
		t.Errorf("round trip lost fields: %+v", back)
	}
}

func TestDecodeResponseTargets(t *testing.T) {
	raw := `{"success": true, "message": "12°C", "targets": ["twitch", {"type": "discord", "entity": "guild-9"}]}`
	resp, err := DecodeResponse([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Success || resp.Message != "12°C" {
		t.Errorf("unexpected response %+v", resp)
	}
	if len(resp.Targets) != 2 {
		t.Fatalf("expected 2 targets, got %d", len(resp.Targets))
	}
	if resp.Targets[0].Type != "twitch" || resp.Targets[1].Entity != "guild-9" {
		t.Errorf("unexpected targets %+v", resp.Targets)
	}
}

package resolver

import (
	"testing"
	"time"

	"github.com/relaybot/router/internal/config"
	"github.com/relaybot/router/internal/event"
)

func command(text string) *event.Event {
	return &event.Event{
		ID:          "e1",
		CommunityID: "c1",
		Platform:    "twitch",
		EntityID:    "chan-1",
		User:        event.User{ID: "u1", Username: "viewer"},
		Kind:        event.KindCommand,
		Text:        text,
		Timestamp:   time.Now(),
	}
}

func platformEvent(eventType string) *event.Event {
	return &event.Event{
		ID:          "e2",
		CommunityID: "c1",
		Platform:    "twitch",
		EntityID:    "chan-1",
		User:        event.User{ID: "u1"},
		Kind:        event.KindEvent,
		EventType:   eventType,
		Timestamp:   time.Now(),
	}
}

func mustCompile(t *testing.T, cc config.CommunityConfig) *Community {
	t.Helper()
	c, err := Compile(cc)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return c
}

func TestNormalizeCommand(t *testing.T) {
	tests := []struct {
		text     string
		prefixes []string
		name     string
		rest     string
		ok       bool
	}{
		{"!weather London", []string{"!"}, "weather", "London", true},
		{"  !Weather   London UK ", []string{"!"}, "weather", "London UK", true},
		{"?ping", []string{"!", "?"}, "ping", "", true},
		{"hello there", []string{"!"}, "", "", false},
		{"!", []string{"!"}, "", "", false},
		{"", []string{"!"}, "", "", false},
		{"!UPPER lower", []string{"!"}, "upper", "lower", true},
	}
	for _, tt := range tests {
		name, rest, ok := NormalizeCommand(tt.text, tt.prefixes)
		if ok != tt.ok || name != tt.name || rest != tt.rest {
			t.Errorf("NormalizeCommand(%q) = (%q, %q, %v), expected (%q, %q, %v)",
				tt.text, name, rest, ok, tt.name, tt.rest, tt.ok)
		}
	}
}

func TestResolveExactCommand(t *testing.T) {
	c := mustCompile(t, config.CommunityConfig{
		ID: "c1",
		Routes: []config.RouteConfig{
			{ID: "r1", Command: "!weather", Module: "weather"},
			{ID: "r2", Command: "!quote", Module: "quotes"},
		},
	})

	matches := c.Resolve(command("!weather London"))
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
	m := matches[0]
	if m.Route.ID != "r1" || m.Command != "!weather" || m.ContextText != "London" {
		t.Errorf("unexpected match %+v", m)
	}
}

func TestResolveAlias(t *testing.T) {
	c := mustCompile(t, config.CommunityConfig{
		ID: "c1",
		Routes: []config.RouteConfig{
			{ID: "r1", Command: "!weather", Aliases: []string{"!w", "!forecast"}, Module: "weather"},
		},
	})

	matches := c.Resolve(command("!w London"))
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
	if matches[0].Command != "!weather" {
		t.Errorf("alias must resolve to the canonical command, got %q", matches[0].Command)
	}
}

func TestResolveLongestPrefixWins(t *testing.T) {
	c := mustCompile(t, config.CommunityConfig{
		ID: "c1",
		Routes: []config.RouteConfig{
			{ID: "short", Prefix: "!so", Module: "sound"},
			{ID: "long", Prefix: "!sound", Module: "soundboard"},
		},
	})

	matches := c.Resolve(command("!soundboard horn"))
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if matches[0].Route.ID != "long" {
		t.Errorf("expected longest prefix first, got %q", matches[0].Route.ID)
	}
	if matches[1].Route.ID != "short" {
		t.Errorf("expected shorter prefix second, got %q", matches[1].Route.ID)
	}
}

func TestResolvePriorityThenInsertionOrder(t *testing.T) {
	c := mustCompile(t, config.CommunityConfig{
		ID: "c1",
		Routes: []config.RouteConfig{
			{ID: "first", Command: "!x", Module: "a"},
			{ID: "boosted", Command: "!x", Module: "b", Priority: 10},
			{ID: "second", Command: "!x", Module: "c"},
		},
	})

	matches := c.Resolve(command("!x"))
	if len(matches) != 3 {
		t.Fatalf("expected 3 matches, got %d", len(matches))
	}
	got := []string{matches[0].Route.ID, matches[1].Route.ID, matches[2].Route.ID}
	want := []string{"boosted", "first", "second"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

func TestResolveExactBeforeAliasBeforePrefix(t *testing.T) {
	c := mustCompile(t, config.CommunityConfig{
		ID: "c1",
		Routes: []config.RouteConfig{
			{ID: "pfx", Prefix: "!pi", Module: "m3"},
			{ID: "alias", Command: "!other", Aliases: []string{"!ping"}, Module: "m2"},
			{ID: "exact", Command: "!ping", Module: "m1"},
		},
	})

	matches := c.Resolve(command("!ping"))
	if len(matches) != 3 {
		t.Fatalf("expected 3 matches, got %d", len(matches))
	}
	got := []string{matches[0].Route.ID, matches[1].Route.ID, matches[2].Route.ID}
	want := []string{"exact", "alias", "pfx"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

func TestResolveDeduplicatesPreservingFirst(t *testing.T) {
	// One route matching both exactly and by prefix appears once.
	c := mustCompile(t, config.CommunityConfig{
		ID: "c1",
		Routes: []config.RouteConfig{
			{ID: "r1", Command: "!sound", Prefix: "!so", Module: "sound"},
		},
	})

	matches := c.Resolve(command("!sound horn"))
	if len(matches) != 1 {
		t.Fatalf("expected 1 deduplicated match, got %d", len(matches))
	}
	if matches[0].Command != "!sound" {
		t.Errorf("expected canonical command from first occurrence, got %q", matches[0].Command)
	}
}

func TestResolveConfiguredPrefixes(t *testing.T) {
	c := mustCompile(t, config.CommunityConfig{
		ID:       "c1",
		Prefixes: []string{"!", "?"},
		Routes: []config.RouteConfig{
			{ID: "r1", Command: "!help", Module: "help"},
		},
	})

	matches := c.Resolve(command("?help me"))
	if len(matches) != 1 {
		t.Fatalf("expected alternate prefix to match, got %d matches", len(matches))
	}
	if matches[0].Command != "!help" {
		t.Errorf("expected canonical command, got %q", matches[0].Command)
	}

	if got := c.Resolve(command("#help")); len(got) != 0 {
		t.Errorf("unconfigured prefix must not match, got %d", len(got))
	}
}

func TestResolveNonCommandTextHasNoRoute(t *testing.T) {
	c := mustCompile(t, config.CommunityConfig{
		ID: "c1",
		Routes: []config.RouteConfig{
			{ID: "r1", Command: "!x", Module: "m"},
		},
	})
	if got := c.Resolve(command("just chatting")); len(got) != 0 {
		t.Errorf("expected no matches, got %d", len(got))
	}
}

func TestResolveEventGlobs(t *testing.T) {
	c := mustCompile(t, config.CommunityConfig{
		ID: "c1",
		Routes: []config.RouteConfig{
			{ID: "all-stream", EventType: "stream.*", Module: "alerts"},
			{ID: "exact", EventType: "stream.online", Module: "announcer"},
			{ID: "deep", EventType: "stream.**", Module: "archiver"},
			{ID: "subs", EventType: "subscription.*", Module: "thanks"},
		},
	})

	matches := c.Resolve(platformEvent("stream.online"))
	ids := make(map[string]bool, len(matches))
	for _, m := range matches {
		ids[m.Route.ID] = true
	}
	if !ids["all-stream"] || !ids["exact"] || !ids["deep"] {
		t.Errorf("expected stream routes to fire, got %v", ids)
	}
	if ids["subs"] {
		t.Error("subscription route must not fire for stream events")
	}

	// A single-star glob must not cross a dot separator.
	matches = c.Resolve(platformEvent("stream.category.changed"))
	ids = map[string]bool{}
	for _, m := range matches {
		ids[m.Route.ID] = true
	}
	if ids["all-stream"] {
		t.Error("stream.* must not match a two-segment suffix")
	}
	if !ids["deep"] {
		t.Error("stream.** must match nested event types")
	}
}

func TestRouteCondition(t *testing.T) {
	c := mustCompile(t, config.CommunityConfig{
		ID: "c1",
		Routes: []config.RouteConfig{
			{ID: "r1", Command: "!mod", Module: "m", Condition: `principal.username == "mod_user"`},
		},
	})

	ev := command("!mod ban")
	ok, err := c.Routes[0].EvalCondition(ev)
	if err != nil {
		t.Fatalf("condition error: %v", err)
	}
	if ok {
		t.Error("condition should fail for a non-mod user")
	}

	ev.User.Username = "mod_user"
	ok, err = c.Routes[0].EvalCondition(ev)
	if err != nil {
		t.Fatalf("condition error: %v", err)
	}
	if !ok {
		t.Error("condition should pass for mod_user")
	}
}

func TestCompileRejectsBadCondition(t *testing.T) {
	_, err := Compile(config.CommunityConfig{
		ID: "c1",
		Routes: []config.RouteConfig{
			{ID: "r1", Command: "!x", Module: "m", Condition: "nonsense =="},
		},
	})
	if err == nil {
		t.Fatal("expected a compile error for a malformed condition")
	}
}

func TestExtractArgs(t *testing.T) {
	c := mustCompile(t, config.CommunityConfig{
		ID: "c1",
		Routes: []config.RouteConfig{
			{ID: "r1", EventType: "raid.*", Module: "m", ArgsPath: "raider"},
		},
	})

	ev := platformEvent("raid.incoming")
	ev.EventData = map[string]any{
		"raider": map[string]any{"name": "big_streamer", "viewers": 142.0},
	}
	args, err := c.Routes[0].ExtractArgs(ev)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if args["name"] != "big_streamer" {
		t.Errorf("expected raider name, got %v", args)
	}

	// Scalar results are wrapped so the trigger args stay a map.
	c2 := mustCompile(t, config.CommunityConfig{
		ID: "c1",
		Routes: []config.RouteConfig{
			{ID: "r1", EventType: "raid.*", Module: "m", ArgsPath: "raider.viewers"},
		},
	})
	args, err = c2.Routes[0].ExtractArgs(ev)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if args["value"] != 142.0 {
		t.Errorf("expected wrapped scalar, got %v", args)
	}
}

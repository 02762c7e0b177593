package routesource

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/relaybot/router/internal/config"
)

func TestStaticSource(t *testing.T) {
	src := NewStatic([]config.CommunityConfig{
		{ID: "acme", Name: "Acme", Version: 1},
		{ID: "globex", Version: 3},
	})
	defer src.Close()

	cc, ok, err := src.Community(context.Background(), "acme")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected acme to be known")
	}
	if cc.Name != "Acme" || cc.Version != 1 {
		t.Errorf("unexpected table: %+v", cc)
	}

	if _, ok, _ := src.Community(context.Background(), "missing"); ok {
		t.Error("expected missing community to be unknown")
	}

	src.Update(config.CommunityConfig{ID: "acme", Name: "Acme Inc", Version: 2})
	cc, _, _ = src.Community(context.Background(), "acme")
	if cc.Version != 2 {
		t.Errorf("expected version 2 after update, got %d", cc.Version)
	}

	src.Remove("globex")
	if _, ok, _ := src.Community(context.Background(), "globex"); ok {
		t.Error("expected globex to be gone after remove")
	}

	ids := src.Communities()
	if len(ids) != 1 || ids[0] != "acme" {
		t.Errorf("expected [acme], got %v", ids)
	}
}

const routeFile = `
communities:
  - id: acme
    prefixes: ["!"]
    routes:
      - id: weather
        command: "!weather"
        module: weathermod
  - id: globex
    routes:
      - id: greet
        event_type: "member.join"
        module: greeter
`

func writeRouteFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "routes.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write route file: %v", err)
	}
	return path
}

func TestFileSourceLoad(t *testing.T) {
	path := writeRouteFile(t, t.TempDir(), routeFile)

	src, err := NewFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer src.Close()

	cc, ok, err := src.Community(context.Background(), "acme")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected acme to be known")
	}
	if len(cc.Routes) != 1 || cc.Routes[0].ID != "weather" {
		t.Errorf("unexpected routes: %+v", cc.Routes)
	}
	if cc.Version != 1 {
		t.Errorf("expected first load to stamp version 1, got %d", cc.Version)
	}
	if src.Generation() != 1 {
		t.Errorf("expected generation 1, got %d", src.Generation())
	}
}

func TestFileSourceRejectsBadInitialLoad(t *testing.T) {
	path := writeRouteFile(t, t.TempDir(), "communities:\n  - id: acme\n    routes:\n      - id: broken\n        command: \"!x\"\n") // no module
	if _, err := NewFile(path); err == nil {
		t.Fatal("expected error for route without module")
	}

	if _, err := NewFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestFileSourceReloadBumpsVersions(t *testing.T) {
	dir := t.TempDir()
	path := writeRouteFile(t, dir, routeFile)

	src, err := NewFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer src.Close()

	updated := `
communities:
  - id: acme
    routes:
      - id: weather
        command: "!forecast"
        module: weathermod
`
	writeRouteFile(t, dir, updated)
	if err := src.Reload(); err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	cc, ok, _ := src.Community(context.Background(), "acme")
	if !ok {
		t.Fatal("expected acme after reload")
	}
	if cc.Version != 2 {
		t.Errorf("expected reload to stamp version 2, got %d", cc.Version)
	}
	if cc.Routes[0].Command != "!forecast" {
		t.Errorf("expected reloaded command, got %q", cc.Routes[0].Command)
	}
	if _, ok, _ := src.Community(context.Background(), "globex"); ok {
		t.Error("expected globex to be dropped by reload")
	}
}

func TestFileSourceKeepsTablesOnBadReload(t *testing.T) {
	dir := t.TempDir()
	path := writeRouteFile(t, dir, routeFile)

	src, err := NewFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer src.Close()

	writeRouteFile(t, dir, "communities: [nonsense")
	if err := src.Reload(); err == nil {
		t.Fatal("expected reload of malformed file to fail")
	}

	cc, ok, _ := src.Community(context.Background(), "acme")
	if !ok {
		t.Fatal("expected previous table to survive bad reload")
	}
	if cc.Version != 1 {
		t.Errorf("expected version 1 to survive, got %d", cc.Version)
	}
}

func TestFileSourceWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeRouteFile(t, dir, routeFile)

	src, err := NewFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer src.Close()

	writeRouteFile(t, dir, routeFile)

	deadline := time.After(3 * time.Second)
	for src.Generation() < 2 {
		select {
		case <-deadline:
			t.Fatal("watcher never picked up the rewrite")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestNewSelectsSourceType(t *testing.T) {
	src, err := New(config.RouteSourceConfig{
		Type:   "static",
		Static: []config.CommunityConfig{{ID: "acme"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok, _ := src.Community(context.Background(), "acme"); !ok {
		t.Error("expected static source to serve inline table")
	}

	if _, err := New(config.RouteSourceConfig{Type: "carrier-pigeon"}); err == nil {
		t.Fatal("expected error for unknown source type")
	}
}

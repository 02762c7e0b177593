package respcache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relaybot/router/internal/event"
)

func TestFingerprintExcludesUserByDefault(t *testing.T) {
	a := Fingerprint(FingerprintInput{Community: "c1", Module: "weather", Command: "!weather", Args: "london", RoleBucket: "default", UserID: "u1"})
	b := Fingerprint(FingerprintInput{Community: "c1", Module: "weather", Command: "!weather", Args: "london", RoleBucket: "default", UserID: "u2"})
	if a != b {
		t.Error("different users must share a fingerprint unless user-scoped")
	}
}

func TestFingerprintUserScoped(t *testing.T) {
	a := Fingerprint(FingerprintInput{Community: "c1", Module: "m", Command: "!x", UserID: "u1", UserScoped: true})
	b := Fingerprint(FingerprintInput{Community: "c1", Module: "m", Command: "!x", UserID: "u2", UserScoped: true})
	if a == b {
		t.Error("user-scoped fingerprints must differ per user")
	}
}

func TestFingerprintSensitivity(t *testing.T) {
	base := FingerprintInput{Community: "c1", Module: "m", Command: "!x", Args: "a", RoleBucket: "default"}
	key := Fingerprint(base)

	perturbed := base
	perturbed.Args = "b"
	if Fingerprint(perturbed) == key {
		t.Error("args must affect the fingerprint")
	}
	perturbed = base
	perturbed.RoleBucket = "mod"
	if Fingerprint(perturbed) == key {
		t.Error("role bucket must affect the fingerprint")
	}
	perturbed = base
	perturbed.Community = "c2"
	if Fingerprint(perturbed) == key {
		t.Error("community must affect the fingerprint")
	}
}

func okResp(msg string) *event.ExecuteResponse {
	return &event.ExecuteResponse{Success: true, Message: msg}
}

func TestExecuteCachesWithinTTL(t *testing.T) {
	c := New(16, 0, nil)
	ctx := context.Background()
	var calls atomic.Int64

	fn := func(context.Context) (*event.ExecuteResponse, error) {
		calls.Add(1)
		return okResp("12°C"), nil
	}
	policy := Policy{TTL: time.Minute}

	resp, src, err := c.Execute(ctx, "k", policy, fn)
	if err != nil || resp.Message != "12°C" {
		t.Fatalf("unexpected result: %v %v", resp, err)
	}
	if src != SourceExecuted {
		t.Errorf("expected executed, got %v", src)
	}

	resp, src, err = c.Execute(ctx, "k", policy, fn)
	if err != nil || resp.Message != "12°C" {
		t.Fatalf("unexpected result: %v %v", resp, err)
	}
	if src != SourceFresh {
		t.Errorf("expected fresh hit, got %v", src)
	}
	if calls.Load() != 1 {
		t.Errorf("expected a single execution, got %d", calls.Load())
	}
}

func TestExecuteRespectsTTLExpiry(t *testing.T) {
	c := New(16, 0, nil)
	ctx := context.Background()
	var calls atomic.Int64

	fn := func(context.Context) (*event.ExecuteResponse, error) {
		calls.Add(1)
		return okResp("x"), nil
	}
	policy := Policy{TTL: 10 * time.Millisecond}

	c.Execute(ctx, "k", policy, fn)
	time.Sleep(20 * time.Millisecond)
	_, src, _ := c.Execute(ctx, "k", policy, fn)
	if src != SourceExecuted {
		t.Errorf("expected re-execution after expiry, got %v", src)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 executions, got %d", calls.Load())
	}
}

func TestExecuteZeroTTLDisablesCaching(t *testing.T) {
	c := New(16, 0, nil)
	ctx := context.Background()
	var calls atomic.Int64

	fn := func(context.Context) (*event.ExecuteResponse, error) {
		calls.Add(1)
		return okResp("x"), nil
	}
	c.Execute(ctx, "k", Policy{}, fn)
	c.Execute(ctx, "k", Policy{}, fn)
	if calls.Load() != 2 {
		t.Errorf("expected no caching with zero TTL, got %d calls", calls.Load())
	}
}

func TestSingleFlightCoalescing(t *testing.T) {
	c := New(16, 0, nil)
	var calls atomic.Int64
	started := make(chan struct{})
	release := make(chan struct{})

	fn := func(context.Context) (*event.ExecuteResponse, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return okResp("shared"), nil
	}
	policy := Policy{TTL: time.Minute}

	const n = 10
	var wg sync.WaitGroup
	var coalesced atomic.Int64
	errs := make(chan error, n)

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _, err := c.Execute(context.Background(), "k", policy, fn)
		errs <- err
	}()
	<-started

	for i := 0; i < n-1; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, src, err := c.Execute(context.Background(), "k", policy, fn)
			errs <- err
			if src == SourceCoalesced {
				coalesced.Add(1)
			}
			if err == nil && resp.Message != "shared" {
				t.Errorf("unexpected message %q", resp.Message)
			}
		}()
	}

	// Give followers time to attach before releasing the owner.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("expected exactly one execution, got %d", calls.Load())
	}
	if coalesced.Load() != n-1 {
		t.Errorf("expected %d coalesced callers, got %d", n-1, coalesced.Load())
	}
}

func TestFailuresNotCachedByDefault(t *testing.T) {
	c := New(16, 0, nil)
	ctx := context.Background()
	var calls atomic.Int64

	fn := func(context.Context) (*event.ExecuteResponse, error) {
		calls.Add(1)
		return &event.ExecuteResponse{Success: false, Error: "boom"}, nil
	}
	policy := Policy{TTL: time.Minute}

	c.Execute(ctx, "k", policy, fn)
	c.Execute(ctx, "k", policy, fn)
	if calls.Load() != 2 {
		t.Errorf("expected failures to bypass the cache, got %d calls", calls.Load())
	}
}

func TestFailuresCachedWhenRouteOptsIn(t *testing.T) {
	c := New(16, 0, nil)
	ctx := context.Background()
	var calls atomic.Int64

	fn := func(context.Context) (*event.ExecuteResponse, error) {
		calls.Add(1)
		return &event.ExecuteResponse{Success: false, Error: "boom"}, nil
	}
	policy := Policy{TTL: time.Minute, CacheFailures: true}

	c.Execute(ctx, "k", policy, fn)
	_, src, _ := c.Execute(ctx, "k", policy, fn)
	if src != SourceFresh {
		t.Errorf("expected cached failure, got %v", src)
	}
	if calls.Load() != 1 {
		t.Errorf("expected one execution, got %d", calls.Load())
	}
}

func TestNoCacheVeto(t *testing.T) {
	c := New(16, 0, nil)
	ctx := context.Background()
	var calls atomic.Int64

	fn := func(context.Context) (*event.ExecuteResponse, error) {
		calls.Add(1)
		return &event.ExecuteResponse{Success: true, Message: "private", NoCache: true}, nil
	}
	policy := Policy{TTL: time.Minute}

	c.Execute(ctx, "k", policy, fn)
	c.Execute(ctx, "k", policy, fn)
	if calls.Load() != 2 {
		t.Errorf("expected no_cache to bypass storage, got %d calls", calls.Load())
	}
}

func TestInvalidateCommunity(t *testing.T) {
	c := New(16, 0, nil)
	ctx := context.Background()
	policy := Policy{TTL: time.Minute}
	fn := func(context.Context) (*event.ExecuteResponse, error) { return okResp("x"), nil }

	k1 := Fingerprint(FingerprintInput{Community: "c1", Module: "m", Command: "!a"})
	k2 := Fingerprint(FingerprintInput{Community: "c1", Module: "m", Command: "!b"})
	k3 := Fingerprint(FingerprintInput{Community: "c2", Module: "m", Command: "!a"})
	c.Execute(ctx, k1, policy, fn)
	c.Execute(ctx, k2, policy, fn)
	c.Execute(ctx, k3, policy, fn)

	if n := c.InvalidateCommunity("c1"); n != 2 {
		t.Errorf("expected 2 invalidations, got %d", n)
	}
	_, src, _ := c.Execute(ctx, k3, policy, fn)
	if src != SourceFresh {
		t.Errorf("expected other community untouched, got %v", src)
	}
}

func TestCallerDeadlineWhileCoalesced(t *testing.T) {
	c := New(16, 0, nil)
	release := make(chan struct{})
	started := make(chan struct{})

	fn := func(context.Context) (*event.ExecuteResponse, error) {
		close(started)
		<-release
		return okResp("late"), nil
	}
	policy := Policy{TTL: time.Minute}

	go c.Execute(context.Background(), "k", policy, fn)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := c.Execute(ctx, "k", policy, fn)
	if err == nil {
		t.Fatal("expected deadline error for the waiting caller")
	}
	close(release)
}

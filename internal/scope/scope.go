// Package scope enforces which modules may run within a community.
package scope

import (
	"context"

	"github.com/relaybot/router/internal/errors"
)

// Wildcard satisfies any requirement when present in a grant.
const Wildcard = "*"

// Satisfies reports whether every required scope is covered by granted.
func Satisfies(required, granted []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(granted))
	for _, g := range granted {
		if g == Wildcard {
			return true
		}
		set[g] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; !ok {
			return false
		}
	}
	return true
}

// Missing returns the required scopes absent from granted, for audit
// detail. Empty when Satisfies would return true.
func Missing(required, granted []string) []string {
	set := make(map[string]struct{}, len(granted))
	for _, g := range granted {
		if g == Wildcard {
			return nil
		}
		set[g] = struct{}{}
	}
	var missing []string
	for _, r := range required {
		if _, ok := set[r]; !ok {
			missing = append(missing, r)
		}
	}
	return missing
}

// Grant is the scope proof attached to a (community, module) pair. When
// Envelope is set it is the authoritative source of scopes and must
// verify; plain Scopes are trusted as operator-managed config.
type Grant struct {
	Scopes   []string
	Envelope string
}

// Gate is the pre-dispatch permission check.
type Gate struct {
	verifier *Verifier
}

// NewGate builds a gate. verifier may be nil when no envelope secret is
// configured; envelope-bearing grants are then refused.
func NewGate(verifier *Verifier) *Gate {
	return &Gate{verifier: verifier}
}

// Authorize returns nil when the module may run, permission-denied when
// scopes are insufficient, and invalid-scope-envelope when the grant's
// proof does not verify. Denials drop the route, not the event.
func (g *Gate) Authorize(ctx context.Context, community, module string, required []string, grant Grant) ([]string, error) {
	granted := grant.Scopes
	if grant.Envelope != "" {
		if g.verifier == nil {
			return nil, errors.ErrInvalidScopeEnvelope.WithDetail("no envelope secret configured")
		}
		env, err := g.verifier.Verify(ctx, grant.Envelope)
		if err != nil {
			return nil, err
		}
		if env.Community != community || env.Module != module {
			return nil, errors.ErrInvalidScopeEnvelope.WithDetailf(
				"envelope bound to (%s, %s), not (%s, %s)", env.Community, env.Module, community, module)
		}
		granted = env.Scopes
	}
	if !Satisfies(required, granted) {
		return nil, errors.ErrPermissionDenied.WithDetailf("missing scopes %v", Missing(required, granted))
	}
	return granted, nil
}

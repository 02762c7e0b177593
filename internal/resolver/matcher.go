package resolver

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/relaybot/router/internal/event"
)

// Match pairs a route with the trigger details extracted from the event.
type Match struct {
	Route *Route
	// Command is the canonical command ("!weather") regardless of which
	// prefix or alias the user typed. Empty for platform-event routes.
	Command string
	// ContextText is the message remainder after the command token, with
	// its original casing preserved.
	ContextText string
}

// NormalizeCommand splits text into a lowercased bare command name and
// the untouched remainder. ok is false when the text carries none of the
// community's command prefixes.
func NormalizeCommand(text string, prefixes []string) (name, rest string, ok bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", "", false
	}
	token := trimmed
	if idx := strings.IndexFunc(trimmed, isSpace); idx >= 0 {
		token = trimmed[:idx]
		rest = strings.TrimSpace(trimmed[idx:])
	}
	token = strings.ToLower(token)

	for _, p := range prefixes {
		if p == "" {
			continue
		}
		if strings.HasPrefix(token, p) && len(token) > len(p) {
			return token[len(p):], rest, true
		}
	}
	return "", "", false
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

// Resolve returns the ordered route matches for an event: exact command
// names first, then aliases, then longest-prefix patterns; platform
// events match every route whose event-type glob applies. The list is
// deduplicated preserving first occurrence. Matching is pure; conditions
// and permissions are judged later so their drops can be audited.
func (c *Community) Resolve(ev *event.Event) []Match {
	switch ev.Kind {
	case event.KindCommand:
		return c.resolveCommand(ev)
	case event.KindEvent:
		return c.resolveEvent(ev)
	default:
		return nil
	}
}

func (c *Community) resolveCommand(ev *event.Event) []Match {
	name, rest, ok := NormalizeCommand(ev.Text, c.Prefixes)
	if !ok {
		return nil
	}

	var matches []Match
	seen := make(map[string]struct{})

	add := func(r *Route) {
		if _, dup := seen[r.ID]; dup {
			return
		}
		seen[r.ID] = struct{}{}
		command := r.Command
		if command == "" {
			command = "!" + name
		}
		matches = append(matches, Match{Route: r, Command: command, ContextText: rest})
	}

	for _, r := range c.commandIndex[name] {
		add(r)
	}
	for _, r := range c.aliasIndex[name] {
		add(r)
	}
	for _, r := range c.prefixRoutes {
		if strings.HasPrefix(name, r.prefixName) {
			add(r)
		}
	}
	return matches
}

func (c *Community) resolveEvent(ev *event.Event) []Match {
	subject := strings.ReplaceAll(ev.EventType, ".", "/")

	var matches []Match
	seen := make(map[string]struct{})
	for _, r := range c.eventRoutes {
		if _, dup := seen[r.ID]; dup {
			continue
		}
		if ok, _ := doublestar.Match(r.eventPattern, subject); ok {
			seen[r.ID] = struct{}{}
			matches = append(matches, Match{Route: r})
		}
	}
	return matches
}

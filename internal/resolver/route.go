// Package resolver maps normalized inbound events onto a community's
// route table and keeps compiled tables hot behind version tokens.
package resolver

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/jmespath/go-jmespath"

	"github.com/relaybot/router/internal/config"
	"github.com/relaybot/router/internal/event"
	"github.com/relaybot/router/internal/respcache"
)

// Route is one compiled binding from a match pattern to a module.
type Route struct {
	ID             string
	Command        string // canonical form, "!name"
	Aliases        []string
	Prefix         string
	EventType      string // glob over dot-separated event types, e.g. "stream.*"
	Module         string
	RequiredScopes []string
	RateClass      string
	Cache          respcache.Policy
	Targets        []string // static fallback when the response names none
	Priority       int
	Ordered        bool
	SurfaceErrors  bool
	Deadline       time.Duration

	name         string   // command without its prefix character
	aliasNames   []string
	prefixName   string
	eventPattern string // slash form consumed by doublestar
	condition    *vm.Program
	argsPath     *jmespath.JMESPath
	insertIdx    int
}

// ConditionEnv is the expression environment route conditions run in.
type ConditionEnv struct {
	Community string       `expr:"community"`
	Platform  string       `expr:"platform"`
	Entity    string       `expr:"entity"`
	Principal PrincipalEnv `expr:"principal"`
	Text      string       `expr:"text"`
	EventType string       `expr:"event_type"`
	EventData map[string]any `expr:"event_data"`
}

// PrincipalEnv exposes the triggering user to conditions.
type PrincipalEnv struct {
	ID       string `expr:"id"`
	Username string `expr:"username"`
}

// EvalCondition runs the route's guard. Routes without a condition always
// pass. An evaluation error drops the route, never the event.
func (r *Route) EvalCondition(ev *event.Event) (bool, error) {
	if r.condition == nil {
		return true, nil
	}
	env := ConditionEnv{
		Community: ev.CommunityID,
		Platform:  ev.Platform,
		Entity:    ev.EntityID,
		Principal: PrincipalEnv{ID: ev.User.ID, Username: ev.User.Username},
		Text:      ev.Text,
		EventType: ev.EventType,
		EventData: ev.EventData,
	}
	out, err := expr.Run(r.condition, env)
	if err != nil {
		return false, fmt.Errorf("route %s condition: %w", r.ID, err)
	}
	ok, _ := out.(bool)
	return ok, nil
}

// ExtractArgs applies the route's jmespath extractor to the event payload.
// Non-object results are wrapped under "value" so adapters always see a map.
func (r *Route) ExtractArgs(ev *event.Event) (map[string]any, error) {
	if r.argsPath == nil {
		return nil, nil
	}
	out, err := r.argsPath.Search(map[string]any(ev.EventData))
	if err != nil {
		return nil, fmt.Errorf("route %s args_path: %w", r.ID, err)
	}
	if out == nil {
		return nil, nil
	}
	if m, ok := out.(map[string]any); ok {
		return m, nil
	}
	return map[string]any{"value": out}, nil
}

func compileRoute(rc config.RouteConfig, idx int) (*Route, error) {
	r := &Route{
		ID:             rc.ID,
		Module:         rc.Module,
		RequiredScopes: rc.RequiredScopes,
		RateClass:      rc.RateClass,
		Cache: respcache.Policy{
			TTL:           rc.Cache.TTL,
			UserScoped:    rc.Cache.UserScoped,
			CacheFailures: rc.Cache.CacheFailures,
		},
		Targets:       rc.Targets,
		Priority:      rc.Priority,
		Ordered:       rc.Ordered,
		SurfaceErrors: rc.SurfaceErrors,
		Deadline:      rc.Deadline,
		insertIdx:     idx,
	}

	if rc.Command != "" {
		r.Command = strings.ToLower(rc.Command)
		r.name = strings.TrimPrefix(r.Command, "!")
		if r.name == "" {
			return nil, fmt.Errorf("route %s: command %q has no name", rc.ID, rc.Command)
		}
	}
	for _, alias := range rc.Aliases {
		alias = strings.ToLower(alias)
		name := strings.TrimPrefix(alias, "!")
		if name == "" {
			return nil, fmt.Errorf("route %s: alias %q has no name", rc.ID, alias)
		}
		r.Aliases = append(r.Aliases, "!"+name)
		r.aliasNames = append(r.aliasNames, name)
	}
	if rc.Prefix != "" {
		r.Prefix = strings.ToLower(rc.Prefix)
		r.prefixName = strings.TrimPrefix(r.Prefix, "!")
		if r.prefixName == "" {
			return nil, fmt.Errorf("route %s: prefix %q has no name", rc.ID, rc.Prefix)
		}
	}
	if rc.EventType != "" {
		r.EventType = rc.EventType
		// doublestar treats '/' as the segment separator, so dotted event
		// types are matched in slash form: "stream.*" never crosses a dot.
		r.eventPattern = strings.ReplaceAll(rc.EventType, ".", "/")
		if !doublestar.ValidatePattern(r.eventPattern) {
			return nil, fmt.Errorf("route %s: invalid event_type pattern %q", rc.ID, rc.EventType)
		}
	}

	if rc.Condition != "" {
		program, err := expr.Compile(rc.Condition, expr.Env(ConditionEnv{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("route %s: compile condition: %w", rc.ID, err)
		}
		r.condition = program
	}
	if rc.ArgsPath != "" {
		jp, err := jmespath.Compile(rc.ArgsPath)
		if err != nil {
			return nil, fmt.Errorf("route %s: compile args_path: %w", rc.ID, err)
		}
		r.argsPath = jp
	}
	return r, nil
}

// Community is a compiled, immutable snapshot of one tenant's table.
// Readers share it freely; a version bump replaces the whole snapshot.
type Community struct {
	ID       string
	Name     string
	Version  int64
	Prefixes []string
	Routes   []*Route
	Grants   map[string][]string
	Targets  map[string]string

	grantEnvelopes map[string]string

	commandIndex map[string][]*Route
	aliasIndex   map[string][]*Route
	prefixRoutes []*Route
	eventRoutes  []*Route
}

// Compile builds the match indexes for a community table.
func Compile(cc config.CommunityConfig) (*Community, error) {
	c := &Community{
		ID:             cc.ID,
		Name:           cc.Name,
		Version:        cc.Version,
		Prefixes:       cc.Prefixes,
		Grants:         make(map[string][]string, len(cc.Grants)),
		Targets:        cc.Targets,
		grantEnvelopes: make(map[string]string),
		commandIndex:   make(map[string][]*Route),
		aliasIndex:     make(map[string][]*Route),
	}
	if len(c.Prefixes) == 0 {
		c.Prefixes = []string{"!"}
	}
	for _, g := range cc.Grants {
		c.Grants[g.Module] = g.Scopes
		if g.Envelope != "" {
			c.grantEnvelopes[g.Module] = g.Envelope
		}
	}

	for i, rc := range cc.Routes {
		r, err := compileRoute(rc, i)
		if err != nil {
			return nil, fmt.Errorf("community %s: %w", cc.ID, err)
		}
		c.Routes = append(c.Routes, r)

		if r.name != "" {
			c.commandIndex[r.name] = append(c.commandIndex[r.name], r)
		}
		for _, an := range r.aliasNames {
			c.aliasIndex[an] = append(c.aliasIndex[an], r)
		}
		if r.prefixName != "" {
			c.prefixRoutes = append(c.prefixRoutes, r)
		}
		if r.eventPattern != "" {
			c.eventRoutes = append(c.eventRoutes, r)
		}
	}

	for _, routes := range c.commandIndex {
		sortRoutes(routes)
	}
	for _, routes := range c.aliasIndex {
		sortRoutes(routes)
	}
	// Longest prefix wins before priority is consulted.
	sort.SliceStable(c.prefixRoutes, func(i, j int) bool {
		a, b := c.prefixRoutes[i], c.prefixRoutes[j]
		if len(a.prefixName) != len(b.prefixName) {
			return len(a.prefixName) > len(b.prefixName)
		}
		return lessByPriority(a, b)
	})
	sort.SliceStable(c.eventRoutes, func(i, j int) bool {
		return lessByPriority(c.eventRoutes[i], c.eventRoutes[j])
	})
	return c, nil
}

// GrantedScopes returns the scopes the community has granted a module.
func (c *Community) GrantedScopes(module string) []string {
	return c.Grants[module]
}

// GrantEnvelope returns the admin plane's signed grant for a module,
// empty when the grant is plain config.
func (c *Community) GrantEnvelope(module string) string {
	return c.grantEnvelopes[module]
}

func sortRoutes(routes []*Route) {
	sort.SliceStable(routes, func(i, j int) bool {
		return lessByPriority(routes[i], routes[j])
	})
}

// lessByPriority orders higher priority first, insertion order second.
func lessByPriority(a, b *Route) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.insertIdx < b.insertIdx
}

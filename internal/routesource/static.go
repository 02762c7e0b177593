// Package routesource supplies raw community route tables to the
// resolver. Sources keep tables in memory and bump version tokens when
// the admin plane changes them; the resolver recompiles lazily.
package routesource

import (
	"context"
	"sync"

	"github.com/relaybot/router/internal/config"
)

// Static serves tables loaded once from configuration. The admin reload
// endpoint and tests mutate it through Update.
type Static struct {
	mu     sync.RWMutex
	tables map[string]config.CommunityConfig
}

// NewStatic indexes the inline community tables.
func NewStatic(communities []config.CommunityConfig) *Static {
	s := &Static{tables: make(map[string]config.CommunityConfig, len(communities))}
	for _, cc := range communities {
		s.tables[cc.ID] = cc
	}
	return s
}

// Community returns the current raw table for id.
func (s *Static) Community(_ context.Context, id string) (config.CommunityConfig, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cc, ok := s.tables[id]
	return cc, ok, nil
}

// Update replaces one community's table. Callers are responsible for
// bumping cc.Version so resolvers notice.
func (s *Static) Update(cc config.CommunityConfig) {
	s.mu.Lock()
	s.tables[cc.ID] = cc
	s.mu.Unlock()
}

// Remove deletes a community's table.
func (s *Static) Remove(id string) {
	s.mu.Lock()
	delete(s.tables, id)
	s.mu.Unlock()
}

// Communities lists the known community ids.
func (s *Static) Communities() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.tables))
	for id := range s.tables {
		ids = append(ids, id)
	}
	return ids
}

func (s *Static) Close() error { return nil }

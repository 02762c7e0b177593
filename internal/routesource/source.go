package routesource

import (
	"fmt"

	"github.com/relaybot/router/internal/config"
	"github.com/relaybot/router/internal/resolver"
)

// Reloader is implemented by sources that can force a synchronous
// reload of their backing data. The admin reload endpoint uses it.
type Reloader interface {
	Reload() error
}

// New builds the source selected by cfg.Type.
func New(cfg config.RouteSourceConfig) (resolver.Source, error) {
	switch cfg.Type {
	case "static":
		return NewStatic(cfg.Static), nil
	case "file":
		return NewFile(cfg.Path)
	case "etcd":
		return NewEtcd(cfg.Etcd)
	default:
		return nil, fmt.Errorf("unknown route source type %q", cfg.Type)
	}
}

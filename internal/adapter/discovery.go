package adapter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	consulapi "github.com/hashicorp/consul/api"

	"github.com/relaybot/router/internal/config"
	"github.com/relaybot/router/internal/errors"
)

// consulScheme marks an endpoint that names a consul service instead
// of a fixed address, e.g. consul://weather-module/hook.
const consulScheme = "consul://"

const discoveryMemoTTL = 5 * time.Second

type resolved struct {
	addrs []string
	at    time.Time
}

// EndpointResolver turns consul://service endpoints into healthy
// instance addresses at call time. Lookups are memoized briefly and
// instances are rotated round-robin so repeated calls spread load.
type EndpointResolver struct {
	client     *consulapi.Client
	datacenter string

	mu   sync.Mutex
	memo map[string]resolved
	next map[string]int
}

// NewEndpointResolver connects to consul when an address is configured.
// With no address the resolver still works for fixed endpoints and
// rejects consul:// ones.
func NewEndpointResolver(cfg config.ConsulConfig) (*EndpointResolver, error) {
	r := &EndpointResolver{
		datacenter: cfg.Datacenter,
		memo:       make(map[string]resolved),
		next:       make(map[string]int),
	}
	if cfg.Address == "" {
		return r, nil
	}

	consulCfg := consulapi.DefaultConfig()
	consulCfg.Address = cfg.Address
	if cfg.Scheme != "" {
		consulCfg.Scheme = cfg.Scheme
	}
	consulCfg.Datacenter = cfg.Datacenter
	if cfg.Token != "" {
		consulCfg.Token = cfg.Token
	}
	client, err := consulapi.NewClient(consulCfg)
	if err != nil {
		return nil, fmt.Errorf("create consul client: %w", err)
	}
	r.client = client
	return r, nil
}

// Resolve maps endpoint to a callable address. Fixed endpoints pass
// through unchanged. consul://service[/path] resolves to one healthy
// instance; scheme ("http", "https", or "" for bare host:port) is
// applied to the resolved address.
func (r *EndpointResolver) Resolve(_ context.Context, endpoint, scheme string) (string, error) {
	if !strings.HasPrefix(endpoint, consulScheme) {
		return endpoint, nil
	}
	if r == nil || r.client == nil {
		return "", errors.ErrNetwork.WithDetail("consul endpoint configured but consul is not")
	}

	rest := strings.TrimPrefix(endpoint, consulScheme)
	service, path, _ := strings.Cut(rest, "/")

	addr, err := r.instance(service)
	if err != nil {
		return "", err
	}
	if scheme != "" {
		addr = scheme + "://" + addr
	}
	if path != "" {
		addr += "/" + path
	}
	return addr, nil
}

func (r *EndpointResolver) instance(service string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.memo[service]
	if !ok || time.Since(entry.at) > discoveryMemoTTL {
		addrs, err := r.fetch(service)
		if err != nil {
			return "", err
		}
		entry = resolved{addrs: addrs, at: time.Now()}
		r.memo[service] = entry
	}
	if len(entry.addrs) == 0 {
		return "", errors.ErrNetwork.WithDetail("no healthy instances for " + service)
	}

	i := r.next[service] % len(entry.addrs)
	r.next[service] = i + 1
	return entry.addrs[i], nil
}

// fetch queries consul for passing instances. Caller holds the mutex;
// the consul client does its own HTTP round trip, so the lock is held
// across I/O only on the memo-miss path.
func (r *EndpointResolver) fetch(service string) ([]string, error) {
	entries, _, err := r.client.Health().Service(service, "", true,
		&consulapi.QueryOptions{Datacenter: r.datacenter})
	if err != nil {
		return nil, errors.Wrap(errors.ErrNetwork, err)
	}
	addrs := make([]string, 0, len(entries))
	for _, e := range entries {
		host := e.Service.Address
		if host == "" {
			host = e.Node.Address
		}
		addrs = append(addrs, fmt.Sprintf("%s:%d", host, e.Service.Port))
	}
	return addrs, nil
}

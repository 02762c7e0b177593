package routesource

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-yaml"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/relaybot/router/internal/config"
	"github.com/relaybot/router/internal/logging"
)

const defaultEtcdDialTimeout = 5 * time.Second

// Etcd serves tables from an etcd prefix and follows changes with a
// watch. One key per community, {prefix}{communityID}, holding the
// YAML (or JSON) form of the table. The key's ModRevision becomes the
// version token, so every admin-plane write invalidates exactly that
// community's compiled table.
type Etcd struct {
	client *clientv3.Client
	prefix string

	mu     sync.RWMutex
	tables map[string]config.CommunityConfig

	cancel context.CancelFunc
	done   chan struct{}
}

// NewEtcd connects, loads the current tables under cfg.Prefix, and
// starts watching from the load's revision.
func NewEtcd(cfg config.EtcdConfig) (*Etcd, error) {
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultEtcdDialTimeout
	}
	etcdCfg := clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
	}
	if cfg.Username != "" {
		etcdCfg.Username = cfg.Username
		etcdCfg.Password = cfg.Password
	}

	client, err := clientv3.New(etcdCfg)
	if err != nil {
		return nil, fmt.Errorf("create etcd client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if _, err := client.Status(ctx, cfg.Endpoints[0]); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to etcd: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "/router/communities/"
	}

	e := &Etcd{
		client: client,
		prefix: prefix,
		tables: make(map[string]config.CommunityConfig),
		done:   make(chan struct{}),
	}

	rev, err := e.loadAll()
	if err != nil {
		client.Close()
		return nil, err
	}

	watchCtx, watchCancel := context.WithCancel(context.Background())
	e.cancel = watchCancel
	go e.watch(watchCtx, rev+1)

	return e, nil
}

// Community returns the current raw table for id.
func (e *Etcd) Community(_ context.Context, id string) (config.CommunityConfig, bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cc, ok := e.tables[id]
	return cc, ok, nil
}

func (e *Etcd) loadAll() (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultEtcdDialTimeout)
	defer cancel()

	resp, err := e.client.Get(ctx, e.prefix, clientv3.WithPrefix())
	if err != nil {
		return 0, fmt.Errorf("load route tables: %w", err)
	}

	tables := make(map[string]config.CommunityConfig, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		cc, err := e.decode(string(kv.Key), kv.Value, kv.ModRevision)
		if err != nil {
			logging.Warn("skipping bad route table", zap.String("key", string(kv.Key)), zap.Error(err))
			continue
		}
		tables[cc.ID] = cc
	}

	e.mu.Lock()
	e.tables = tables
	e.mu.Unlock()

	return resp.Header.Revision, nil
}

func (e *Etcd) watch(ctx context.Context, fromRev int64) {
	defer close(e.done)

	watchCh := e.client.Watch(ctx, e.prefix,
		clientv3.WithPrefix(), clientv3.WithRev(fromRev))

	for {
		select {
		case <-ctx.Done():
			return
		case resp, ok := <-watchCh:
			if !ok {
				return
			}
			if err := resp.Err(); err != nil {
				logging.Warn("route table watch error", zap.Error(err))
				continue
			}
			for _, ev := range resp.Events {
				e.apply(ev)
			}
		}
	}
}

func (e *Etcd) apply(ev *clientv3.Event) {
	key := string(ev.Kv.Key)
	switch ev.Type {
	case clientv3.EventTypePut:
		cc, err := e.decode(key, ev.Kv.Value, ev.Kv.ModRevision)
		if err != nil {
			logging.Warn("ignoring bad route table update", zap.String("key", key), zap.Error(err))
			return
		}
		e.mu.Lock()
		e.tables[cc.ID] = cc
		e.mu.Unlock()
		logging.Info("route table updated",
			zap.String("community", cc.ID), zap.Int64("version", cc.Version))
	case clientv3.EventTypeDelete:
		id := e.communityID(key)
		e.mu.Lock()
		delete(e.tables, id)
		e.mu.Unlock()
		logging.Info("route table removed", zap.String("community", id))
	}
}

// decode parses one table value. The id in the key wins over any id in
// the document, and ModRevision becomes the version token.
func (e *Etcd) decode(key string, value []byte, modRev int64) (config.CommunityConfig, error) {
	var cc config.CommunityConfig
	if err := yaml.Unmarshal(value, &cc); err != nil {
		return cc, fmt.Errorf("parse table: %w", err)
	}
	if id := e.communityID(key); id != "" {
		cc.ID = id
	}
	cc.Version = modRev
	if err := cc.Validate(); err != nil {
		return cc, err
	}
	return cc, nil
}

func (e *Etcd) communityID(key string) string {
	return strings.TrimPrefix(key, e.prefix)
}

// Close stops the watch and closes the client.
func (e *Etcd) Close() error {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
	return e.client.Close()
}

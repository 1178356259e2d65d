// Package registry provides the etcd-based implementation of the Registry interface.
//
// etcd is used as a phonebook of peers serving a protocol:
//
//	Key:   /reqresp{ProtocolID}/{PeerID}    e.g. /reqresp/reqresp/1.0.0/12D3KooW...
//	Value: JSON-encoded PeerRecord
//
// Registration uses TTL-based leases: if the server crashes, the lease expires
// and the entry is removed automatically.
package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	libprotocol "github.com/libp2p/go-libp2p/core/protocol"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const keyRoot = "/reqresp"

// DefaultDialTimeout bounds the initial connection to etcd.
const DefaultDialTimeout = 5 * time.Second

type lease struct {
	id   clientv3.LeaseID
	stop context.CancelFunc
}

// EtcdRegistry implements the Registry interface using etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]lease // key → lease kept alive by this registry
}

// NewEtcdRegistry creates a new registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: DefaultDialTimeout,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c, logger: logger, leases: make(map[string]lease)}, nil
}

func prefix(pid libprotocol.ID) string {
	return keyRoot + string(pid) + "/"
}

// Register stores rec under a lease of ttl seconds and keeps the lease alive
// until Deregister or Close.
//
// leaseID is tracked per key so one EtcdRegistry can serve several peers.
func (r *EtcdRegistry) Register(ctx context.Context, pid libprotocol.ID, rec PeerRecord, ttl int64) error {
	grant, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	key := prefix(pid) + rec.ID
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(grant.ID)); err != nil {
		return err
	}

	// The keepalive must outlive ctx, which usually only covers the registration call.
	kaCtx, stop := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, grant.ID)
	if err != nil {
		stop()
		return err
	}
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keepalive stopped", zap.String("key", key))
	}()

	r.mu.Lock()
	if old, ok := r.leases[key]; ok {
		old.stop()
	}
	r.leases[key] = lease{id: grant.ID, stop: stop}
	r.mu.Unlock()
	return nil
}

// Deregister removes a peer. Called during graceful shutdown before the engine closes.
func (r *EtcdRegistry) Deregister(ctx context.Context, pid libprotocol.ID, id string) error {
	key := prefix(pid) + id

	r.mu.Lock()
	l, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if ok {
		l.stop()
		if _, err := r.client.Revoke(ctx, l.id); err == nil {
			return nil
		}
	}
	_, err := r.client.Delete(ctx, key)
	return err
}

// Watch emits the full peer list whenever the protocol's prefix changes,
// until ctx is done.
func (r *EtcdRegistry) Watch(ctx context.Context, pid libprotocol.ID) <-chan []PeerRecord {
	ch := make(chan []PeerRecord, 1)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, prefix(pid), clientv3.WithPrefix())
		for range watchChan {
			// Re-fetch instead of applying individual events.
			records, err := r.Discover(ctx, pid)
			if err != nil {
				r.logger.Warn("discover after watch event", zap.Error(err))
				continue
			}
			select {
			case ch <- records:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Discover returns all currently registered peers for a protocol.
func (r *EtcdRegistry) Discover(ctx context.Context, pid libprotocol.ID) ([]PeerRecord, error) {
	resp, err := r.client.Get(ctx, prefix(pid), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	records := make([]PeerRecord, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var rec PeerRecord
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			r.logger.Warn("skipping malformed peer record", zap.ByteString("key", kv.Key))
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Close stops every keepalive and closes the etcd client.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for key, l := range r.leases {
		l.stop()
		delete(r.leases, key)
	}
	r.mu.Unlock()
	return r.client.Close()
}

package loadbalance

import (
	"sync/atomic"

	"mini-reqresp/registry"
)

// RoundRobinBalancer distributes requests evenly across all peers in order.
// Uses an atomic counter for lock-free, goroutine-safe operation.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

// Pick selects the next peer in round-robin order.
func (b *RoundRobinBalancer) Pick(records []registry.PeerRecord) (*registry.PeerRecord, error) {
	if len(records) == 0 {
		return nil, ErrNoPeers
	}
	index := (b.counter.Add(1) - 1) % uint64(len(records))
	return &records[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}

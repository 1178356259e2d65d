// Package loadbalance picks the peer that receives the next request among the
// peers discovered for a protocol.
//
// Three strategies are implemented:
//   - RoundRobin:      stateless services, equal-capacity peers
//   - WeightedRandom:  heterogeneous peers (different CPU/memory)
//   - ConsistentHash:  stateful services requiring key affinity
package loadbalance

import (
	"errors"

	"mini-reqresp/registry"
)

var ErrNoPeers = errors.New("loadbalance: no peers available")

// Balancer is the interface for load balancing strategies.
// The client calls Pick() before each request to select a target peer.
type Balancer interface {
	// Pick selects one record from the available list.
	// Called on every request; must be goroutine-safe.
	Pick(records []registry.PeerRecord) (*registry.PeerRecord, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// KeyedBalancer routes by a request key, so equal keys reach the same peer.
type KeyedBalancer interface {
	Balancer
	PickKey(key string, records []registry.PeerRecord) (*registry.PeerRecord, error)
}

// ByName returns a fresh balancer: "round_robin", "weighted_random" or
// "consistent_hash". Unknown names fall back to round robin.
func ByName(name string) Balancer {
	switch name {
	case "weighted_random":
		return &WeightedRandomBalancer{}
	case "consistent_hash":
		return NewConsistentHashBalancer()
	default:
		return &RoundRobinBalancer{}
	}
}

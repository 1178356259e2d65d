package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"mini-reqresp/registry"
)

// ConsistentHashBalancer maps keys to peers using a hash ring.
// The same key always maps to the same peer (until the ring changes).
//
// Virtual nodes: each real peer is mapped to N virtual nodes on the ring,
// which keeps the key space evenly split between few peers.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int

	mu      sync.RWMutex
	ring    []uint32                        // sorted hash values on the ring
	nodes   map[uint32]*registry.PeerRecord // hash value → peer
	members string                          // sorted peer ids currently on the ring
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per peer.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]*registry.PeerRecord),
	}
}

// Add places a peer onto the hash ring with N virtual nodes, hashed from "{id}#{i}".
func (b *ConsistentHashBalancer) Add(rec registry.PeerRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(rec)
	b.members = b.memberKey()
}

// Remove takes a peer and its virtual nodes off the ring.
func (b *ConsistentHashBalancer) Remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ring := b.ring[:0]
	for _, h := range b.ring {
		if b.nodes[h].ID == id {
			delete(b.nodes, h)
			continue
		}
		ring = append(ring, h)
	}
	b.ring = ring
	b.members = b.memberKey()
}

// Lookup finds the peer responsible for key on the current ring.
func (b *ConsistentHashBalancer) Lookup(key string) (*registry.PeerRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.ring) == 0 {
		return nil, ErrNoPeers
	}
	hash := crc32.ChecksumIEEE([]byte(key))

	// first node with hash >= key's hash, wrapping to the start of the ring
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	rec := *b.nodes[b.ring[idx]]
	return &rec, nil
}

// PickKey rebuilds the ring when records differ from its members, then looks
// key up.
func (b *ConsistentHashBalancer) PickKey(key string, records []registry.PeerRecord) (*registry.PeerRecord, error) {
	if len(records) == 0 {
		return nil, ErrNoPeers
	}
	want := membersOf(records)

	b.mu.RLock()
	current := b.members
	b.mu.RUnlock()
	if current != want {
		b.mu.Lock()
		if b.members != want {
			b.ring = b.ring[:0]
			b.nodes = make(map[uint32]*registry.PeerRecord)
			for _, rec := range records {
				b.add(rec)
			}
			b.members = want
		}
		b.mu.Unlock()
	}
	return b.Lookup(key)
}

// Pick routes the empty key, so keyless requests stick to one peer.
func (b *ConsistentHashBalancer) Pick(records []registry.PeerRecord) (*registry.PeerRecord, error) {
	return b.PickKey("", records)
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

func (b *ConsistentHashBalancer) add(rec registry.PeerRecord) {
	stored := rec
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", rec.ID, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = &stored
	}
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

func (b *ConsistentHashBalancer) memberKey() string {
	seen := make(map[string]bool)
	var ids []string
	for _, rec := range b.nodes {
		if !seen[rec.ID] {
			seen[rec.ID] = true
			ids = append(ids, rec.ID)
		}
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}

func membersOf(records []registry.PeerRecord) string {
	ids := make([]string, 0, len(records))
	seen := make(map[string]bool)
	for _, rec := range records {
		if !seen[rec.ID] {
			seen[rec.ID] = true
			ids = append(ids, rec.ID)
		}
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}

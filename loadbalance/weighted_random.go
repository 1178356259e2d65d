package loadbalance

import (
	"math/rand/v2"

	"mini-reqresp/registry"
)

// WeightedRandomBalancer picks a peer with probability proportional to its
// weight. A weight of zero or less counts as 1.
type WeightedRandomBalancer struct{}

func weight(rec registry.PeerRecord) int {
	if rec.Weight <= 0 {
		return 1
	}
	return rec.Weight
}

func (b *WeightedRandomBalancer) Pick(records []registry.PeerRecord) (*registry.PeerRecord, error) {
	if len(records) == 0 {
		return nil, ErrNoPeers
	}

	totalWeight := 0
	for _, rec := range records {
		totalWeight += weight(rec)
	}

	// Walk the cumulative weights until the random point falls inside one.
	r := rand.IntN(totalWeight)
	for i := range records {
		r -= weight(records[i])
		if r < 0 {
			return &records[i], nil
		}
	}
	return &records[len(records)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}

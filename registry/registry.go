package registry

import (
	"context"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
	libprotocol "github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
)

// PeerRecord announces one peer serving a protocol.
type PeerRecord struct {
	ID      string   `json:"id"`    // base58 peer id
	Addrs   []string `json:"addrs"` // dialable multiaddrs, without the /p2p suffix
	Weight  int      `json:"weight"`
	Version string   `json:"version,omitempty"`
}

// NewPeerRecord builds a record for id reachable at addrs.
func NewPeerRecord(id peer.ID, addrs []ma.Multiaddr, weight int) PeerRecord {
	rec := PeerRecord{ID: id.String(), Weight: weight}
	for _, a := range addrs {
		// Strip a trailing /p2p/<id>; the record already names the peer.
		transportAddr, _ := peer.SplitAddr(a)
		if len(transportAddr) == 0 {
			continue
		}
		rec.Addrs = append(rec.Addrs, transportAddr.String())
	}
	return rec
}

// AddrInfo parses the record into a dialable peer.AddrInfo.
func (r PeerRecord) AddrInfo() (peer.AddrInfo, error) {
	id, err := peer.Decode(r.ID)
	if err != nil {
		return peer.AddrInfo{}, fmt.Errorf("registry: bad peer id %q: %w", r.ID, err)
	}
	info := peer.AddrInfo{ID: id}
	for _, s := range r.Addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			return peer.AddrInfo{}, fmt.Errorf("registry: bad address %q: %w", s, err)
		}
		info.Addrs = append(info.Addrs, a)
	}
	return info, nil
}

// Registry is the peer address book used to find servers of a protocol.
type Registry interface {
	Register(ctx context.Context, pid libprotocol.ID, rec PeerRecord, ttl int64) error
	Deregister(ctx context.Context, pid libprotocol.ID, id string) error
	Discover(ctx context.Context, pid libprotocol.ID) ([]PeerRecord, error)
	Watch(ctx context.Context, pid libprotocol.ID) <-chan []PeerRecord
}

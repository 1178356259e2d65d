package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
	libprotocol "github.com/libp2p/go-libp2p/core/protocol"
)

// MemoryNetwork connects in-process endpoints with net.Pipe streams.
// It stands in for an authenticated, multiplexed transport in tests.
type MemoryNetwork struct {
	mu        sync.RWMutex
	endpoints map[peer.ID]*MemoryEndpoint
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{endpoints: make(map[peer.ID]*MemoryEndpoint)}
}

// Endpoint returns the endpoint for id, creating it on first use.
func (n *MemoryNetwork) Endpoint(id peer.ID) *MemoryEndpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ep, ok := n.endpoints[id]; ok {
		return ep
	}
	ep := &MemoryEndpoint{
		id:       id,
		network:  n,
		handlers: make(map[libprotocol.ID]StreamHandler),
	}
	n.endpoints[id] = ep
	return ep
}

// Disconnect removes id from the network; later dials to it fail.
func (n *MemoryNetwork) Disconnect(id peer.ID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.endpoints, id)
}

func (n *MemoryNetwork) lookup(id peer.ID) (*MemoryEndpoint, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	ep, ok := n.endpoints[id]
	return ep, ok
}

// MemoryEndpoint is one peer on a MemoryNetwork. It implements Transport.
type MemoryEndpoint struct {
	id       peer.ID
	network  *MemoryNetwork
	mu       sync.RWMutex
	handlers map[libprotocol.ID]StreamHandler
	opened   int
}

func (e *MemoryEndpoint) ID() peer.ID {
	return e.id
}

// StreamsOpened reports how many outbound streams this endpoint has opened.
func (e *MemoryEndpoint) StreamsOpened() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.opened
}

func (e *MemoryEndpoint) NewStream(ctx context.Context, p peer.ID, pid libprotocol.ID) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.opened++
	e.mu.Unlock()

	remote, ok := e.network.lookup(p)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPeerUnreachable, p)
	}
	remote.mu.RLock()
	handler, ok := remote.handlers[pid]
	remote.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrUnsupportedProtocol, pid, p)
	}

	local, far := net.Pipe()
	go handler(&pipeStream{Conn: far, remote: e.id})
	return &pipeStream{Conn: local, remote: p}, nil
}

func (e *MemoryEndpoint) SetStreamHandler(pid libprotocol.ID, handler StreamHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[pid] = handler
}

func (e *MemoryEndpoint) RemoveStreamHandler(pid libprotocol.ID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers, pid)
}

type pipeStream struct {
	net.Conn
	remote peer.ID
}

func (s *pipeStream) Reset() error {
	return s.Conn.Close()
}

func (s *pipeStream) RemotePeer() peer.ID {
	return s.remote
}

// Package transport is the boundary between the request/response engine and the
// stream transport underneath it.
//
// The engine needs three things from a transport: open a stream to a peer for a
// protocol, be handed streams that peers opened for that protocol, and plain
// read/write/close on those streams. Authentication and multiplexing happen below
// this interface. Host adapts a go-libp2p host; MemoryNetwork is an in-process
// implementation for tests.
package transport

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	libprotocol "github.com/libp2p/go-libp2p/core/protocol"
)

var (
	// ErrUnsupportedProtocol means the remote peer does not speak the requested protocol.
	ErrUnsupportedProtocol = errors.New("transport: protocol not supported by peer")
	// ErrPeerUnreachable means no connection to the peer could be established.
	ErrPeerUnreachable = errors.New("transport: peer unreachable")
)

// Stream is a single ordered duplex byte stream carrying one exchange.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer

	// Reset aborts the stream in both directions.
	Reset() error
	SetDeadline(t time.Time) error
	RemotePeer() peer.ID
}

// StreamHandler is called for every inbound stream negotiated for a protocol.
// It owns the stream.
type StreamHandler func(s Stream)

type Transport interface {
	NewStream(ctx context.Context, p peer.ID, pid libprotocol.ID) (Stream, error)
	SetStreamHandler(pid libprotocol.ID, handler StreamHandler)
	RemoveStreamHandler(pid libprotocol.ID)
}

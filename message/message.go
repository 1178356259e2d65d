// Package message defines the values exchanged between the engine, the driver
// loop and application services.
//
// The engine itself only moves opaque byte payloads. Envelope is an optional
// application-level wrapper used by method-dispatch services and the typed client;
// it is serialized by the codec package and carried as a frame payload.
package message

import (
	"strconv"

	"github.com/libp2p/go-libp2p/core/peer"
)

// RequestID correlates a request with its terminal event. Ids are assigned by the
// engine, start at 1 and are never reused within one engine.
type RequestID uint64

func (id RequestID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Request is one inbound request handed to a service.
type Request struct {
	ID      RequestID
	Peer    peer.ID
	Payload []byte
}

// Envelope carries a method call or its result inside a payload.
//
//   - On request:  Method is set, Payload contains the serialized args, Error is empty.
//   - On response: Payload contains the serialized reply, Error is non-empty if the call failed.
type Envelope struct {
	Method  string // Format: "Service.Method", e.g., "Arith.Add"
	Error   string
	Payload []byte
}

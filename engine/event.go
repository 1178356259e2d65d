package engine

import (
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"

	"mini-reqresp/message"
)

// Event is emitted on Engine.Events. It is one of RequestReceived,
// ResponseReceived, ResponseSent, OutboundFailure or InboundFailure.
type Event interface {
	event()
}

// RequestReceived carries an inbound request. The receiver owns Channel and must
// answer it with Engine.SendResponse or give it up with Channel.Drop.
type RequestReceived struct {
	Peer      peer.ID
	RequestID message.RequestID
	Request   []byte
	Channel   *ResponseChannel
}

// ResponseReceived completes the outbound request RequestID.
type ResponseReceived struct {
	Peer      peer.ID
	RequestID message.RequestID
	Response  []byte
}

// ResponseSent reports that the response to an inbound request was written.
type ResponseSent struct {
	Peer      peer.ID
	RequestID message.RequestID
}

// OutboundFailure ends the outbound request RequestID without a response.
type OutboundFailure struct {
	Peer      peer.ID
	RequestID message.RequestID
	Kind      FailureKind
	Err       error
}

func (f OutboundFailure) Error() string {
	return fmt.Sprintf("outbound request %s to %s failed (%s): %v", f.RequestID, f.Peer, f.Kind, f.Err)
}

func (f OutboundFailure) Unwrap() error { return f.Err }

// InboundFailure ends an inbound exchange without a response being delivered.
type InboundFailure struct {
	Peer      peer.ID
	RequestID message.RequestID
	Kind      FailureKind
	Err       error
}

func (f InboundFailure) Error() string {
	return fmt.Sprintf("inbound request %s from %s failed (%s): %v", f.RequestID, f.Peer, f.Kind, f.Err)
}

func (f InboundFailure) Unwrap() error { return f.Err }

func (RequestReceived) event()  {}
func (ResponseReceived) event() {}
func (ResponseSent) event()     {}
func (OutboundFailure) event()  {}
func (InboundFailure) event()   {}

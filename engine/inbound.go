package engine

import (
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"mini-reqresp/message"
	"mini-reqresp/protocol"
	"mini-reqresp/transport"
)

// handleInbound is the stream handler registered with the transport. It reads
// the request frame and hands the exchange to the application.
func (e *Engine) handleInbound(s transport.Stream) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = s.Reset()
		return
	}
	e.nextInbound++
	id := message.RequestID(e.nextInbound)
	e.streams[s] = struct{}{}
	e.wg.Add(1)
	e.mu.Unlock()
	defer e.wg.Done()

	remote := s.RemotePeer()
	deadline := time.Now().Add(e.cfg.RequestTimeout)
	_ = s.SetDeadline(deadline)

	req, err := protocol.ReadFrame(s, e.cfg.MaxFrameSize)
	if err != nil {
		_ = s.Reset()
		e.untrack(s)
		if !e.isClosed() {
			kind := classify(err)
			e.failInbound(remote, id, kind, normalize(kind, err))
		}
		return
	}

	ch := &ResponseChannel{engine: e, stream: s, peer: remote, id: id}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = s.Reset()
		return
	}
	e.channels[ch] = struct{}{}
	ch.timer = time.AfterFunc(time.Until(deadline), ch.expire)
	e.mu.Unlock()

	e.metrics.RequestReceived()
	e.logger.Debug("request received", zap.Stringer("id", id), zap.Stringer("peer", remote), zap.Int("size", len(req)))
	e.emit(RequestReceived{Peer: remote, RequestID: id, Request: req, Channel: ch})
}

// SendResponse writes payload as the response to the request that produced ch.
// The write completes in the background and is reported as ResponseSent or
// InboundFailure.
//
// An oversize payload is rejected and ch stays usable. A channel that was
// already answered, dropped or expired yields ErrChannelMisuse.
func (e *Engine) SendResponse(ch *ResponseChannel, payload []byte) error {
	if ch == nil || ch.engine != e {
		return ErrChannelMisuse
	}
	if uint64(len(payload)) > uint64(e.cfg.MaxFrameSize) {
		return &protocol.FrameTooLargeError{Declared: uint64(len(payload)), Max: e.cfg.MaxFrameSize}
	}
	if !ch.IsOpen() {
		return ErrChannelMisuse
	}
	// Close abandons every unclaimed channel, so a refused enter leaves the
	// exchange to it.
	if !e.enter() {
		return ErrEngineClosed
	}
	if !ch.claim(true) {
		e.wg.Done()
		return ErrChannelMisuse
	}
	go func() {
		defer e.wg.Done()
		e.writeResponse(ch, payload)
	}()
	return nil
}

func (e *Engine) writeResponse(ch *ResponseChannel, payload []byte) {
	defer e.untrack(ch.stream)

	if err := protocol.WriteFrame(ch.stream, payload, e.cfg.MaxFrameSize); err != nil {
		_ = ch.stream.Reset()
		kind := classify(err)
		e.failInbound(ch.peer, ch.id, kind, normalize(kind, err))
		return
	}
	_ = ch.stream.Close()

	e.metrics.ResponseSent()
	e.logger.Debug("response sent", zap.Stringer("id", ch.id), zap.Stringer("peer", ch.peer))
	e.emit(ResponseSent{Peer: ch.peer, RequestID: ch.id})
}

func (e *Engine) failInbound(p peer.ID, id message.RequestID, kind FailureKind, err error) {
	e.metrics.InboundFailure(kind.String())
	e.logger.Debug("inbound request failed",
		zap.Stringer("id", id),
		zap.Stringer("peer", p),
		zap.Stringer("kind", kind),
		zap.Error(err),
	)
	e.emit(InboundFailure{Peer: p, RequestID: id, Kind: kind, Err: err})
}

func (e *Engine) forget(ch *ResponseChannel) {
	e.mu.Lock()
	delete(e.channels, ch)
	e.mu.Unlock()
}

// ResponseChannel answers exactly one inbound request. Use Engine.SendResponse
// to answer it or Drop to give it up; a channel that is neither answered nor
// dropped expires at the request deadline.
type ResponseChannel struct {
	engine *Engine
	stream transport.Stream
	peer   peer.ID
	id     message.RequestID
	used   atomic.Bool
	timer  *time.Timer
}

func (c *ResponseChannel) Peer() peer.ID {
	return c.peer
}

func (c *ResponseChannel) RequestID() message.RequestID {
	return c.id
}

// IsOpen reports whether the channel can still carry a response.
func (c *ResponseChannel) IsOpen() bool {
	return !c.used.Load()
}

// Drop closes the exchange without a response. The remote peer sees the stream
// end early; locally an InboundFailure with ResponseOmitted is emitted.
// Dropping a used channel does nothing, and so does dropping after Close,
// which has already failed the exchange with Cancelled.
func (c *ResponseChannel) Drop() {
	if !c.engine.enter() {
		return
	}
	defer c.engine.wg.Done()

	if !c.claim(true) {
		return
	}
	_ = c.stream.Close()
	c.engine.untrack(c.stream)
	c.engine.failInbound(c.peer, c.id, ResponseOmitted, ErrResponseOmitted)
}

// claim marks the channel used. Only the first caller wins.
func (c *ResponseChannel) claim(stopTimer bool) bool {
	if !c.used.CompareAndSwap(false, true) {
		return false
	}
	if stopTimer {
		c.timer.Stop()
	}
	c.engine.forget(c)
	return true
}

func (c *ResponseChannel) expire() {
	if !c.engine.enter() {
		return
	}
	defer c.engine.wg.Done()

	if !c.claim(false) {
		return
	}
	_ = c.stream.Reset()
	c.engine.untrack(c.stream)
	c.engine.failInbound(c.peer, c.id, Timeout, ErrTimeout)
}

// abandon is used by Close for channels the application never answered.
func (c *ResponseChannel) abandon() {
	if !c.claim(true) {
		return
	}
	_ = c.stream.Reset()
	c.engine.failInbound(c.peer, c.id, Cancelled, ErrCancelled)
}

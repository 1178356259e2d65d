package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"mini-reqresp/message"
	"mini-reqresp/protocol"
	"mini-reqresp/transport"
)

// pendingRequest is an accepted outbound request that has no terminal event yet.
type pendingRequest struct {
	peer     peer.ID
	started  time.Time
	deadline time.Time
	timer    *time.Timer
	cancel   context.CancelFunc
	stream   transport.Stream // set once the stream is open
}

func (pr *pendingRequest) stop() {
	if pr.timer != nil {
		pr.timer.Stop()
	}
	pr.cancel()
	if pr.stream != nil {
		_ = pr.stream.Reset()
	}
}

// SendRequest dispatches payload to p and returns the id that its terminal
// event will carry. It only fails synchronously when the engine is closed or
// the payload cannot be framed; in that case no id is consumed and nothing is
// sent.
func (e *Engine) SendRequest(p peer.ID, payload []byte) (message.RequestID, error) {
	if uint64(len(payload)) > uint64(e.cfg.MaxFrameSize) {
		return 0, &protocol.FrameTooLargeError{Declared: uint64(len(payload)), Max: e.cfg.MaxFrameSize}
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	pr := &pendingRequest{
		peer:     p,
		started:  now,
		deadline: now.Add(e.cfg.RequestTimeout),
		cancel:   cancel,
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		return 0, ErrEngineClosed
	}
	e.nextID++
	id := message.RequestID(e.nextID)
	e.pending[id] = pr
	pr.timer = time.AfterFunc(e.cfg.RequestTimeout, func() { e.expireOutbound(id) })
	e.wg.Add(1)
	e.mu.Unlock()

	e.metrics.RequestSent()
	e.logger.Debug("request dispatched", zap.Stringer("id", id), zap.Stringer("peer", p), zap.Int("size", len(payload)))

	go func() {
		defer e.wg.Done()
		e.runOutbound(ctx, id, pr, payload)
	}()
	return id, nil
}

func (e *Engine) runOutbound(ctx context.Context, id message.RequestID, pr *pendingRequest, payload []byte) {
	s, err := e.tr.NewStream(ctx, pr.peer, e.cfg.ProtocolID)
	if err != nil {
		kind := classify(err)
		if kind != UnsupportedProtocols && kind != Timeout && kind != Cancelled {
			kind = DialFailure
		}
		e.resolveFailure(id, kind, err)
		return
	}
	if !e.attachStream(id, pr, s) {
		_ = s.Reset()
		return
	}
	defer e.untrack(s)

	_ = s.SetDeadline(pr.deadline)
	if err := protocol.WriteFrame(s, payload, e.cfg.MaxFrameSize); err != nil {
		_ = s.Reset()
		e.resolveFailure(id, classify(err), err)
		return
	}

	resp, err := protocol.ReadFrame(s, e.cfg.MaxFrameSize)
	if err != nil {
		_ = s.Reset()
		e.resolveFailure(id, classify(err), err)
		return
	}
	_ = s.Close()

	if pr := e.take(id); pr != nil {
		pr.cancel()
		elapsed := time.Since(pr.started)
		e.metrics.ResponseReceived(elapsed)
		e.logger.Debug("response received", zap.Stringer("id", id), zap.Duration("elapsed", elapsed))
		e.emit(ResponseReceived{Peer: pr.peer, RequestID: id, Response: resp})
	}
}

// attachStream records s on the pending request so that a timeout or Close can
// abort it. It reports false when the request was already resolved.
func (e *Engine) attachStream(id message.RequestID, pr *pendingRequest, s transport.Stream) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.pending[id] != pr {
		return false
	}
	pr.stream = s
	e.streams[s] = struct{}{}
	return true
}

// take removes id from the pending set. Only the caller that gets a non-nil
// result may emit the terminal event for id.
func (e *Engine) take(id message.RequestID) *pendingRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	pr, ok := e.pending[id]
	if !ok {
		return nil
	}
	delete(e.pending, id)
	pr.timer.Stop()
	return pr
}

func (e *Engine) resolveFailure(id message.RequestID, kind FailureKind, err error) {
	pr := e.take(id)
	if pr == nil {
		return
	}
	pr.cancel()
	e.failOutboundRequest(id, pr, kind, normalize(kind, err))
}

// expireOutbound runs on the timer goroutine. Once the engine is closed the
// request belongs to Close, which cancels it.
func (e *Engine) expireOutbound(id message.RequestID) {
	if !e.enter() {
		return
	}
	defer e.wg.Done()

	pr := e.take(id)
	if pr == nil {
		return
	}
	pr.cancel()
	if pr.stream != nil {
		_ = pr.stream.Reset()
	}
	e.failOutboundRequest(id, pr, Timeout, ErrTimeout)
}

func (e *Engine) failOutboundRequest(id message.RequestID, pr *pendingRequest, kind FailureKind, err error) {
	e.metrics.OutboundFailure(kind.String())
	e.logger.Debug("outbound request failed",
		zap.Stringer("id", id),
		zap.Stringer("peer", pr.peer),
		zap.Stringer("kind", kind),
		zap.Error(err),
	)
	e.emit(OutboundFailure{Peer: pr.peer, RequestID: id, Kind: kind, Err: err})
}

// normalize makes deadline errors from the stream match ErrTimeout.
func normalize(kind FailureKind, err error) error {
	if kind == Timeout && !errors.Is(err, ErrTimeout) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

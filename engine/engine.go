// Package engine implements the request/response exchange on top of a stream
// transport.
//
// Every request gets its own stream. The requester writes one frame, the
// responder reads it, hands it to the application and later writes one frame
// back. The engine never blocks on the application: everything it has to say
// is an Event on Events(), and the application answers inbound requests
// through the ResponseChannel carried by RequestReceived.
//
//	SendRequest(peer, payload) → id
//	   └─ go runOutbound: NewStream → WriteFrame → ReadFrame
//	        → ResponseReceived{id} | OutboundFailure{id, kind}
//
//	inbound stream → handleInbound: ReadFrame
//	   → RequestReceived{channel} → SendResponse(channel) | channel.Drop()
//	        → ResponseSent | InboundFailure{kind}
//
// Every accepted outbound request ends with exactly one ResponseReceived or
// OutboundFailure carrying its id; the deadline timer, the stream goroutine and
// Close race to resolve it and only the first one wins.
package engine

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"mini-reqresp/message"
	"mini-reqresp/metrics"
	"mini-reqresp/transport"
)

type Engine struct {
	cfg     Config
	tr      transport.Transport
	logger  *zap.Logger
	metrics *metrics.Metrics
	queue   *eventQueue

	mu          sync.Mutex
	closed      bool
	nextID      uint64
	nextInbound uint64
	pending     map[message.RequestID]*pendingRequest
	channels    map[*ResponseChannel]struct{}
	streams     map[transport.Stream]struct{}
	wg          sync.WaitGroup
}

// New creates an engine speaking cfg.ProtocolID over tr and registers its
// inbound stream handler. Zero fields of cfg take their defaults.
func New(tr transport.Transport, cfg Config, opts ...Option) (*Engine, error) {
	cfg, err := cfg.resolve()
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:      cfg,
		tr:       tr,
		logger:   zap.NewNop(),
		queue:    newEventQueue(),
		pending:  make(map[message.RequestID]*pendingRequest),
		channels: make(map[*ResponseChannel]struct{}),
		streams:  make(map[transport.Stream]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("protocol", string(cfg.ProtocolID)))

	tr.SetStreamHandler(cfg.ProtocolID, e.handleInbound)
	return e, nil
}

func (e *Engine) Config() Config {
	return e.cfg
}

// Events delivers every event in emission order. The channel is closed once
// Close has finished.
func (e *Engine) Events() <-chan Event {
	return e.queue.out
}

// PendingCount reports the outbound requests that have not been resolved yet.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Close stops accepting streams, fails every pending outbound request with
// Cancelled, aborts unanswered inbound requests and waits for the engine's
// goroutines. It is safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	pending := e.pending
	channels := e.channels
	streams := e.streams
	e.pending = make(map[message.RequestID]*pendingRequest)
	e.channels = make(map[*ResponseChannel]struct{})
	e.streams = make(map[transport.Stream]struct{})
	e.mu.Unlock()

	e.tr.RemoveStreamHandler(e.cfg.ProtocolID)

	ids := make([]message.RequestID, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		pr := pending[id]
		pr.stop()
		e.failOutboundRequest(id, pr, Cancelled, ErrCancelled)
	}

	for ch := range channels {
		ch.abandon()
	}
	for s := range streams {
		_ = s.Reset()
	}

	e.wg.Wait()
	e.queue.close()
	e.logger.Debug("engine closed", zap.Int("cancelled", len(ids)))
	return nil
}

func (e *Engine) emit(ev Event) {
	if !e.queue.push(ev) {
		e.logger.Debug("event dropped after close")
	}
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// enter registers the calling goroutine with Close, which waits for it before
// closing the event queue. It refuses once the engine is closed; the caller
// must then leave resolution to Close. A successful enter is paired with
// e.wg.Done.
func (e *Engine) enter() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.wg.Add(1)
	return true
}

func (e *Engine) untrack(s transport.Stream) {
	e.mu.Lock()
	delete(e.streams, s)
	e.mu.Unlock()
}

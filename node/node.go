// Package node drives an engine: it polls the engine's events, hands inbound
// requests to a service and routes outbound results back to blocked callers.
//
//	Events() ──RequestReceived──→ go serveRequest: Ready → Call → SendResponse | Drop
//	         ──ResponseReceived / OutboundFailure──→ waiters[id] → Request returns
//	         ──ResponseSent / InboundFailure──→ log
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"mini-reqresp/engine"
	"mini-reqresp/message"
	"mini-reqresp/middleware"
	"mini-reqresp/service"
)

// ErrNotServing is returned to callers still waiting when Serve returns.
var ErrNotServing = errors.New("node: event loop stopped")

type result struct {
	resp []byte
	err  error
}

type Node struct {
	engine      *engine.Engine
	svc         service.Service
	logger      *zap.Logger
	middlewares []middleware.Middleware

	mu      sync.Mutex
	waiters map[message.RequestID]chan result
	closing bool // set once Shutdown starts; new inbound requests are dropped

	// wg counts inbound requests from dispatch until their response is written.
	// responding holds the ids whose write has been handed to the engine.
	wg         sync.WaitGroup
	responding map[message.RequestID]struct{}
}

type Option func(*Node)

func WithLogger(l *zap.Logger) Option {
	return func(n *Node) {
		if l != nil {
			n.logger = l
		}
	}
}

// New creates a node over e. svc answers inbound requests; a nil svc makes a
// client-only node that drops every inbound request.
func New(e *engine.Engine, svc service.Service, opts ...Option) *Node {
	n := &Node{
		engine:     e,
		svc:        svc,
		logger:     zap.NewNop(),
		waiters:    make(map[message.RequestID]chan result),
		responding: make(map[message.RequestID]struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *Node) Engine() *engine.Engine {
	return n.engine
}

// Use registers a middleware around the service's Call. Middlewares are
// applied in the order they are added and must be registered before Serve.
func (n *Node) Use(mw middleware.Middleware) {
	n.middlewares = append(n.middlewares, mw)
}

// Serve runs the event loop until the engine is closed, in which case it
// returns nil, or ctx is done.
func (n *Node) Serve(ctx context.Context) error {
	var svc service.Service
	if n.svc != nil {
		svc = service.Chain(n.svc, n.middlewares...)
	}
	defer n.finishAll()
	defer n.failWaiters(ErrNotServing)

	events := n.engine.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			n.handle(ctx, svc, ev)
		}
	}
}

func (n *Node) handle(ctx context.Context, svc service.Service, ev engine.Event) {
	switch ev := ev.(type) {
	case engine.RequestReceived:
		n.mu.Lock()
		if svc == nil || n.closing {
			n.mu.Unlock()
			ev.Channel.Drop()
			return
		}
		n.wg.Add(1)
		n.mu.Unlock()
		go n.serveRequest(ctx, svc, ev)
	case engine.ResponseReceived:
		n.deliver(ev.RequestID, result{resp: ev.Response})
	case engine.OutboundFailure:
		n.deliver(ev.RequestID, result{err: ev})
	case engine.InboundFailure:
		n.finish(ev.RequestID)
		n.logger.Warn("inbound request failed",
			zap.Stringer("id", ev.RequestID),
			zap.Stringer("peer", ev.Peer),
			zap.Stringer("kind", ev.Kind),
			zap.Error(ev.Err),
		)
	case engine.ResponseSent:
		n.finish(ev.RequestID)
		n.logger.Debug("response sent", zap.Stringer("id", ev.RequestID), zap.Stringer("peer", ev.Peer))
	}
}

// serveRequest waits for the service to be ready, calls it and answers the
// channel. Any error leaves the request without a response.
func (n *Node) serveRequest(ctx context.Context, svc service.Service, ev engine.RequestReceived) {
	handedOff := false
	defer func() {
		if !handedOff {
			n.wg.Done()
		}
	}()

	if err := svc.Ready(ctx); err != nil {
		n.logger.Debug("service not ready", zap.Stringer("id", ev.RequestID), zap.Error(err))
		ev.Channel.Drop()
		return
	}
	resp, err := svc.Call(ctx, &message.Request{ID: ev.RequestID, Peer: ev.Peer, Payload: ev.Request})
	if err != nil {
		n.logger.Debug("service call failed", zap.Stringer("id", ev.RequestID), zap.Error(err))
		ev.Channel.Drop()
		return
	}

	n.mu.Lock()
	n.responding[ev.RequestID] = struct{}{}
	n.mu.Unlock()
	handedOff = true
	if err := n.engine.SendResponse(ev.Channel, resp); err != nil {
		n.logger.Warn("send response", zap.Stringer("id", ev.RequestID), zap.Error(err))
		ev.Channel.Drop()
		n.finish(ev.RequestID)
	}
}

// finish releases the in-flight slot of an inbound request once its write has
// ended. It is a no-op for ids that are not responding.
func (n *Node) finish(id message.RequestID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.responding[id]; ok {
		delete(n.responding, id)
		n.wg.Done()
	}
}

func (n *Node) finishAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id := range n.responding {
		delete(n.responding, id)
		n.wg.Done()
	}
}

// Request sends payload to p and blocks until its response or failure. The
// returned error is an engine.OutboundFailure when the exchange failed. A done
// ctx only stops the wait; the exchange still ends on its own deadline.
func (n *Node) Request(ctx context.Context, p peer.ID, payload []byte) ([]byte, error) {
	ch := make(chan result, 1)

	// Dispatch and registration share the lock that deliver takes, so the
	// result of id cannot be routed before its waiter exists.
	n.mu.Lock()
	id, err := n.engine.SendRequest(p, payload)
	if err != nil {
		n.mu.Unlock()
		return nil, err
	}
	n.waiters[id] = ch
	n.mu.Unlock()

	select {
	case r := <-ch:
		return r.resp, r.err
	case <-ctx.Done():
		n.mu.Lock()
		delete(n.waiters, id)
		n.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Handler exposes Request in the middleware shape; req.Peer and req.Payload
// select the target and the request body.
func (n *Node) Handler() middleware.HandlerFunc {
	return func(ctx context.Context, req *message.Request) ([]byte, error) {
		return n.Request(ctx, req.Peer, req.Payload)
	}
}

func (n *Node) deliver(id message.RequestID, r result) {
	n.mu.Lock()
	ch, ok := n.waiters[id]
	delete(n.waiters, id)
	n.mu.Unlock()
	if ok {
		ch <- r
	}
}

func (n *Node) failWaiters(err error) {
	n.mu.Lock()
	waiters := n.waiters
	n.waiters = make(map[message.RequestID]chan result)
	n.mu.Unlock()
	for _, ch := range waiters {
		ch <- result{err: err}
	}
}

// Shutdown performs graceful shutdown:
//  1. Stop handing new inbound requests to the service (they are dropped)
//  2. Wait for in-flight service calls to answer (with timeout)
//  3. Close the engine, which cancels outstanding outbound requests and ends Serve
func (n *Node) Shutdown(timeout time.Duration) error {
	n.mu.Lock()
	n.closing = true
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("timeout waiting for ongoing requests to finish")
	}

	if cerr := n.engine.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Package client makes typed method calls to peers running a method-dispatch
// service.
//
//	Call(ctx, "Arith.Add", args, reply)
//	  → registry.Discover → balancer.Pick → connector.AddAddrs
//	  → Envelope{Method, args} → middleware chain (retry, ...) → node.Request
//	  → Envelope{Payload | Error} → reply
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	libprotocol "github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"mini-reqresp/codec"
	"mini-reqresp/loadbalance"
	"mini-reqresp/message"
	"mini-reqresp/middleware"
	"mini-reqresp/node"
	"mini-reqresp/registry"
)

var ErrNoRegistry = errors.New("client: no registry configured")

// ServerError is an error returned by the remote method itself.
type ServerError struct {
	Method string
	Msg    string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error: %s: %s", e.Method, e.Msg)
}

// Connector learns the addresses of discovered peers. transport.Host implements it.
type Connector interface {
	AddAddrs(p peer.ID, addrs []ma.Multiaddr)
}

type Client struct {
	node        *node.Node
	registry    registry.Registry
	balancer    loadbalance.Balancer
	connector   Connector
	protocol    libprotocol.ID
	codec       codec.Codec
	middlewares []middleware.Middleware
	retries     int
	retryDelay  time.Duration
	logger      *zap.Logger

	call middleware.HandlerFunc
}

type Option func(*Client)

// WithRegistry enables Call and CallWithKey, which pick their peer from reg.
func WithRegistry(reg registry.Registry, bal loadbalance.Balancer) Option {
	return func(c *Client) {
		c.registry = reg
		c.balancer = bal
	}
}

func WithConnector(conn Connector) Option {
	return func(c *Client) { c.connector = conn }
}

// WithCodec selects the envelope codec. It must match the server's.
func WithCodec(t codec.CodecType) Option {
	return func(c *Client) { c.codec = codec.GetCodec(t) }
}

// WithRetry resends calls that failed with a retryable error. The retry layer
// sits innermost, right above the node.
func WithRetry(maxRetries int, baseDelay time.Duration) Option {
	return func(c *Client) {
		c.retries = maxRetries
		c.retryDelay = baseDelay
	}
}

// WithMiddleware wraps every outbound call, outermost first.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(c *Client) { c.middlewares = append(c.middlewares, mws...) }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a client sending through n.
func New(n *node.Node, opts ...Option) *Client {
	c := &Client{
		node:     n,
		balancer: &loadbalance.RoundRobinBalancer{},
		protocol: n.Engine().Config().ProtocolID,
		codec:    codec.GetCodec(codec.CodecTypeJSON),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	mws := c.middlewares
	if c.retries > 0 {
		mws = append(mws, middleware.RetryMiddleware(c.retries, c.retryDelay, c.logger))
	}
	c.call = middleware.Chain(mws...)(n.Handler())
	return c
}

// Call invokes serviceMethod on a peer picked from the registry.
func (c *Client) Call(ctx context.Context, serviceMethod string, args, reply any) error {
	p, err := c.pick(ctx, func(records []registry.PeerRecord) (*registry.PeerRecord, error) {
		return c.balancer.Pick(records)
	})
	if err != nil {
		return err
	}
	return c.CallPeer(ctx, p, serviceMethod, args, reply)
}

// CallWithKey is Call with key affinity when the balancer supports it.
func (c *Client) CallWithKey(ctx context.Context, key, serviceMethod string, args, reply any) error {
	p, err := c.pick(ctx, func(records []registry.PeerRecord) (*registry.PeerRecord, error) {
		if kb, ok := c.balancer.(loadbalance.KeyedBalancer); ok {
			return kb.PickKey(key, records)
		}
		return c.balancer.Pick(records)
	})
	if err != nil {
		return err
	}
	return c.CallPeer(ctx, p, serviceMethod, args, reply)
}

// CallPeer invokes serviceMethod on p.
func (c *Client) CallPeer(ctx context.Context, p peer.ID, serviceMethod string, args, reply any) error {
	// Step 1: serialize args (protobuf or JSON)
	payload, err := codec.ForValue(args).Encode(args)
	if err != nil {
		return fmt.Errorf("client: encode args: %w", err)
	}

	// Step 2: wrap in an envelope encoded with the configured codec
	body, err := c.codec.Encode(&message.Envelope{Method: serviceMethod, Payload: payload})
	if err != nil {
		return fmt.Errorf("client: encode envelope: %w", err)
	}

	// Step 3: send through the middleware chain and wait for the response
	resp, err := c.call(ctx, &message.Request{Peer: p, Payload: body})
	if err != nil {
		return err
	}

	var env message.Envelope
	if err := c.codec.Decode(resp, &env); err != nil {
		return fmt.Errorf("client: decode envelope: %w", err)
	}
	if env.Error != "" {
		return &ServerError{Method: serviceMethod, Msg: env.Error}
	}
	if reply == nil {
		return nil
	}
	if err := codec.ForValue(reply).Decode(env.Payload, reply); err != nil {
		return fmt.Errorf("client: decode reply: %w", err)
	}
	return nil
}

// Send passes a raw payload to p through the client's middleware chain.
func (c *Client) Send(ctx context.Context, p peer.ID, payload []byte) ([]byte, error) {
	return c.call(ctx, &message.Request{Peer: p, Payload: payload})
}

// Discover picks a peer from the registry and records its addresses with the
// connector, without sending anything.
func (c *Client) Discover(ctx context.Context) (peer.ID, error) {
	return c.pick(ctx, func(records []registry.PeerRecord) (*registry.PeerRecord, error) {
		return c.balancer.Pick(records)
	})
}

func (c *Client) pick(ctx context.Context, choose func([]registry.PeerRecord) (*registry.PeerRecord, error)) (peer.ID, error) {
	if c.registry == nil {
		return "", ErrNoRegistry
	}
	records, err := c.registry.Discover(ctx, c.protocol)
	if err != nil {
		return "", fmt.Errorf("client: discover %s: %w", c.protocol, err)
	}
	rec, err := choose(records)
	if err != nil {
		return "", err
	}
	info, err := rec.AddrInfo()
	if err != nil {
		return "", err
	}
	if c.connector != nil && len(info.Addrs) > 0 {
		c.connector.AddAddrs(info.ID, info.Addrs)
	}
	c.logger.Debug("picked peer", zap.Stringer("peer", info.ID), zap.String("balancer", c.balancer.Name()))
	return info.ID, nil
}

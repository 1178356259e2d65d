package engine

import (
	"time"

	libprotocol "github.com/libp2p/go-libp2p/core/protocol"
	"go.uber.org/zap"

	"mini-reqresp/metrics"
	"mini-reqresp/protocol"
)

// DefaultRequestTimeout bounds an exchange from dispatch to response.
const DefaultRequestTimeout = 10 * time.Second

type Config struct {
	// ProtocolID is negotiated with the transport for every stream.
	ProtocolID libprotocol.ID
	// RequestTimeout is the deadline of an outbound request, and the time an
	// inbound request may wait for its response.
	RequestTimeout time.Duration
	// MaxFrameSize caps request and response payloads.
	MaxFrameSize uint32
}

func DefaultConfig() Config {
	return Config{
		ProtocolID:     protocol.DefaultID,
		RequestTimeout: DefaultRequestTimeout,
		MaxFrameSize:   protocol.DefaultMaxFrameSize,
	}
}

// resolve fills zero fields with defaults and validates the protocol id.
func (c Config) resolve() (Config, error) {
	def := DefaultConfig()
	if c.ProtocolID == "" {
		c.ProtocolID = def.ProtocolID
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = def.MaxFrameSize
	}
	if err := protocol.ValidateID(c.ProtocolID); err != nil {
		return Config{}, err
	}
	return c, nil
}

type Option func(*Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

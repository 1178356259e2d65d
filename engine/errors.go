package engine

import (
	"context"
	"errors"
	"io"
	"net"
	"os"

	libnetwork "github.com/libp2p/go-libp2p/core/network"

	"mini-reqresp/protocol"
	"mini-reqresp/transport"
)

var (
	ErrTimeout         = errors.New("engine: request timed out")
	ErrCancelled       = errors.New("engine: request cancelled by shutdown")
	ErrResponseOmitted = errors.New("engine: response channel dropped without a response")
	ErrChannelMisuse   = errors.New("engine: response channel already used")
	ErrEngineClosed    = errors.New("engine: closed")
)

// FailureKind says why an exchange ended without a response.
type FailureKind int

const (
	DialFailure FailureKind = iota + 1
	UnsupportedProtocols
	ConnectionClosed
	Io
	FrameTooLarge
	TruncatedStream
	Timeout
	Cancelled
	ResponseOmitted
)

var failureKindNames = map[FailureKind]string{
	DialFailure:          "dial_failure",
	UnsupportedProtocols: "unsupported_protocols",
	ConnectionClosed:     "connection_closed",
	Io:                   "io",
	FrameTooLarge:        "frame_too_large",
	TruncatedStream:      "truncated_stream",
	Timeout:              "timeout",
	Cancelled:            "cancelled",
	ResponseOmitted:      "response_omitted",
}

func (k FailureKind) String() string {
	if s, ok := failureKindNames[k]; ok {
		return s
	}
	return "unknown"
}

// classify maps a stream or transport error onto a FailureKind.
func classify(err error) FailureKind {
	switch {
	case errors.Is(err, ErrTimeout),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(err, context.DeadlineExceeded):
		return Timeout
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return Cancelled
	case errors.Is(err, ErrResponseOmitted):
		return ResponseOmitted
	case protocol.IsFrameTooLarge(err):
		return FrameTooLarge
	case errors.Is(err, protocol.ErrTruncatedStream):
		return TruncatedStream
	case errors.Is(err, transport.ErrUnsupportedProtocol):
		return UnsupportedProtocols
	case errors.Is(err, transport.ErrPeerUnreachable):
		return DialFailure
	case errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, libnetwork.ErrReset):
		return ConnectionClosed
	default:
		return Io
	}
}

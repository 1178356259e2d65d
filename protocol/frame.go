// Package protocol implements the wire framing and the protocol identity of the
// request/response exchange.
//
// Every request and every response travels as exactly one frame on its own stream:
//
//	0         4
//	┌─────────┬──────────────────┐
//	│ length  │  payload ...     │
//	│ uint32  │  length bytes    │
//	└─────────┴──────────────────┘
//
// The length prefix lets the receiver read a message without waiting for the
// peer to close its side of the stream.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderSize is the size of the big-endian length prefix.
	HeaderSize = 4
	// DefaultMaxFrameSize bounds the payload of a single frame (1 MiB).
	DefaultMaxFrameSize uint32 = 1 << 20
)

// ErrTruncatedStream is returned when the stream ends before a complete frame was read.
var ErrTruncatedStream = errors.New("protocol: truncated stream")

// FrameTooLargeError reports a payload whose length exceeds the configured maximum.
type FrameTooLargeError struct {
	Declared uint64
	Max      uint32
}

func (e *FrameTooLargeError) Error() string {
	return fmt.Sprintf("protocol: frame too large: %d bytes (max %d)", e.Declared, e.Max)
}

// IsFrameTooLarge reports whether err is, or wraps, a *FrameTooLargeError.
func IsFrameTooLarge(err error) bool {
	var fe *FrameTooLargeError
	return errors.As(err, &fe)
}

type flusher interface {
	Flush() error
}

// WriteFrame writes one length-prefixed frame to w and flushes it.
// An oversize payload is rejected before anything is written.
func WriteFrame(w io.Writer, payload []byte, max uint32) error {
	max = resolveMax(max)
	if uint64(len(payload)) > uint64(max) {
		return &FrameTooLargeError{Declared: uint64(len(payload)), Max: max}
	}

	// Header and payload go out in a single Write so a frame is never split
	// across two writes by concurrent users of w.
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[:HeaderSize], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)

	if _, err := w.Write(buf); err != nil {
		return err
	}
	if f, ok := w.(flusher); ok {
		return f.Flush()
	}
	return nil
}

// ReadFrame reads exactly one frame from r and returns its payload.
func ReadFrame(r io.Reader, max uint32) ([]byte, error) {
	max = resolveMax(max)

	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, truncated(err)
	}

	n := binary.BigEndian.Uint32(hdr[:])
	if n > max {
		return nil, &FrameTooLargeError{Declared: uint64(n), Max: max}
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, truncated(err)
	}
	return payload, nil
}

func truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrTruncatedStream
	}
	return err
}

func resolveMax(max uint32) uint32 {
	if max == 0 {
		return DefaultMaxFrameSize
	}
	return max
}

package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"mini-reqresp/message"
)

// BinaryCodec encodes *message.Envelope with a compact length-prefixed layout:
//
//	method len (2) | method | payload len (4) | payload | error len (2) | error
type BinaryCodec struct{}

var errShortEnvelope = errors.New("BinaryCodec: envelope truncated")

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.Envelope)
	if !ok {
		return nil, errors.New("BinaryCodec: v must be *message.Envelope")
	}
	if len(msg.Method) > 0xffff || len(msg.Error) > 0xffff {
		return nil, fmt.Errorf("BinaryCodec: method or error longer than %d bytes", 0xffff)
	}
	total := 2 + len(msg.Method) + 4 + len(msg.Payload) + 2 + len(msg.Error)
	buf := make([]byte, total)

	offset := 0
	binary.BigEndian.PutUint16(buf[offset:], uint16(len(msg.Method)))
	offset += 2
	offset += copy(buf[offset:], msg.Method)

	binary.BigEndian.PutUint32(buf[offset:], uint32(len(msg.Payload)))
	offset += 4
	offset += copy(buf[offset:], msg.Payload)

	binary.BigEndian.PutUint16(buf[offset:], uint16(len(msg.Error)))
	offset += 2
	copy(buf[offset:], msg.Error)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.Envelope)
	if !ok {
		return errors.New("BinaryCodec: v must be *message.Envelope")
	}

	r := envelopeReader{data: data}
	method := r.next(int(r.uint16()))
	payload := r.next(int(r.uint32()))
	errStr := r.next(int(r.uint16()))
	if r.short {
		return errShortEnvelope
	}

	msg.Method = string(method)
	msg.Payload = append([]byte(nil), payload...)
	msg.Error = string(errStr)
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

// envelopeReader walks data and records, instead of panicking, when it runs short.
type envelopeReader struct {
	data  []byte
	off   int
	short bool
}

func (r *envelopeReader) next(n int) []byte {
	if r.short || n < 0 || len(r.data)-r.off < n {
		r.short = true
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *envelopeReader) uint16() uint16 {
	b := r.next(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *envelopeReader) uint32() uint32 {
	b := r.next(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

// Package codec serializes application values into request/response payloads.
//
// The engine never looks inside a payload; codecs are used by the typed client
// and by method-dispatch services on top of it.
package codec

import (
	"fmt"

	"google.golang.org/protobuf/proto"
)

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
	CodecTypeProto  CodecType = 2
)

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeBinary:
		return "binary"
	case CodecTypeProto:
		return "proto"
	default:
		return fmt.Sprintf("codec(%d)", byte(t))
	}
}

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType
}

// GetCodec returns the codec for codecType. Unknown types fall back to Binary.
func GetCodec(codecType CodecType) Codec {
	switch codecType {
	case CodecTypeJSON:
		return &JSONCodec{}
	case CodecTypeProto:
		return &ProtoCodec{}
	default:
		return &BinaryCodec{}
	}
}

// ForValue picks the codec for an argument or reply value: protobuf messages use
// ProtoCodec, everything else JSON.
func ForValue(v any) Codec {
	if _, ok := v.(proto.Message); ok {
		return &ProtoCodec{}
	}
	return &JSONCodec{}
}

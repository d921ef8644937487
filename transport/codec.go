package transport

import (
	"fmt"

	"github.com/gobwas/ws"

	"github.com/xraph/taskcrew"
)

// Codec defines the serialization contract for frames.
type Codec interface {
	// Encode serializes a frame to bytes.
	Encode(frame *Frame) ([]byte, error)

	// Decode deserializes bytes into a frame.
	Decode(data []byte) (*Frame, error)

	// Name returns the codec identifier used in the format query parameter.
	Name() string

	// OpCode is the WebSocket message type the codec writes.
	OpCode() ws.OpCode
}

// Codec names for format negotiation.
const (
	CodecNameJSON    = "json"
	CodecNameMsgpack = "msgpack"
)

// LookupCodec returns the codec for name. An empty name selects JSON.
func LookupCodec(name string) (Codec, error) {
	switch name {
	case CodecNameJSON, "":
		return JSONCodec{}, nil
	case CodecNameMsgpack:
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported format %q", taskcrew.ErrInvalidInput, name)
	}
}

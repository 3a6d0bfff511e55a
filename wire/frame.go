// Package wire implements the binary frame codec of spec.md §4.9: a
// fixed 13-byte header plus a JSON payload, with a JSON-peek fallback
// for callers that never frame at all. Grounded on the teacher's
// hand-rolled RFC 6455 framing (transport/ws.go) for the "read a
// length-prefixed frame off a byte stream" shape, generalized from a
// WebSocket data frame to this protocol's own envelope.
package wire

import (
	"encoding/binary"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json_ = jsoniter.ConfigCompatibleWithStandardLibrary

// MessageType identifies a frame's payload shape.
type MessageType byte

const (
	TypePing MessageType = 0x01
	TypePong MessageType = 0x02

	TypeAuth        MessageType = 0x10
	TypeAuthSuccess MessageType = 0x11
	TypeAuthError   MessageType = 0x12

	TypeSubscribe    MessageType = 0x20
	TypeUnsubscribe  MessageType = 0x21
	TypeSyncRequest  MessageType = 0x22
	TypeSyncResponse MessageType = 0x23

	TypeDelta      MessageType = 0x30
	TypeDeltaBatch MessageType = 0x31
	TypeAck        MessageType = 0x32

	TypeAwarenessSubscribe MessageType = 0x40
	TypeAwarenessUpdate    MessageType = 0x41
	TypeAwarenessState     MessageType = 0x42

	TypeError MessageType = 0xFF
)

// headerSize is 1 byte type + 8 bytes timestamp + 4 bytes length.
const headerSize = 1 + 8 + 4

// ErrTruncatedFrame means fewer than headerSize+length bytes were
// available to decode a complete frame.
var ErrTruncatedFrame = errors.New("wire: truncated frame")

// ErrUnknownType means the header's type byte matches no MessageType.
var ErrUnknownType = errors.New("wire: unknown message type")

// Frame is one decoded wire message.
type Frame struct {
	Type      MessageType
	Timestamp time.Time
	Payload   []byte
}

// Encode renders f as `[1 byte type][8 byte big-endian unix-millis
// timestamp][4 byte big-endian payload length][payload]`.
func Encode(f Frame) []byte {
	out := make([]byte, headerSize+len(f.Payload))
	out[0] = byte(f.Type)
	binary.BigEndian.PutUint64(out[1:9], uint64(f.Timestamp.UnixMilli()))
	binary.BigEndian.PutUint32(out[9:13], uint32(len(f.Payload)))
	copy(out[headerSize:], f.Payload)
	return out
}

// Decode parses a single binary frame from the front of data. It does
// not attempt the JSON-peek fallback; callers that might receive
// either framing should check LooksLikeJSON first.
func Decode(data []byte) (Frame, error) {
	if len(data) < headerSize {
		return Frame{}, errors.WithStack(ErrTruncatedFrame)
	}
	msgType := MessageType(data[0])
	if !validType(msgType) {
		return Frame{}, errors.WithStack(ErrUnknownType)
	}
	tsMillis := binary.BigEndian.Uint64(data[1:9])
	length := binary.BigEndian.Uint32(data[9:13])
	if uint32(len(data)-headerSize) < length {
		return Frame{}, errors.WithStack(ErrTruncatedFrame)
	}
	payload := make([]byte, length)
	copy(payload, data[headerSize:headerSize+int(length)])
	return Frame{
		Type:      msgType,
		Timestamp: time.UnixMilli(int64(tsMillis)).UTC(),
		Payload:   payload,
	}, nil
}

func validType(t MessageType) bool {
	switch t {
	case TypePing, TypePong,
		TypeAuth, TypeAuthSuccess, TypeAuthError,
		TypeSubscribe, TypeUnsubscribe, TypeSyncRequest, TypeSyncResponse,
		TypeDelta, TypeDeltaBatch, TypeAck,
		TypeAwarenessSubscribe, TypeAwarenessUpdate, TypeAwarenessState,
		TypeError:
		return true
	default:
		return false
	}
}

// LooksLikeJSON implements the peek rule from spec.md §4.9: if the
// first non-whitespace byte is '{' or '[', the entire buffer should be
// treated as a standalone JSON document rather than a framed message.
func LooksLikeJSON(data []byte) bool {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '{', '[':
			return true
		default:
			return false
		}
	}
	return false
}

// Marshal encodes v as JSON using the hot-path json-iterator codec
// rather than encoding/json.
func Marshal(v interface{}) ([]byte, error) {
	return json_.Marshal(v)
}

// Unmarshal decodes data into v using the hot-path json-iterator
// codec rather than encoding/json.
func Unmarshal(data []byte, v interface{}) error {
	return json_.Unmarshal(data, v)
}

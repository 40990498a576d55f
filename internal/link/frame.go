package link

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/KevinKickass/OpenDeviceProxy/internal/schema"
)

type FrameKind uint8

// Frame kinds
const (
	KindRequest   FrameKind = 0x01
	KindResponse  FrameKind = 0x02
	KindTopicIn   FrameKind = 0x03 // gateway -> device
	KindTopicOut  FrameKind = 0x04 // device -> gateway
	KindLog       FrameKind = 0x05
	KindWireError FrameKind = 0x06
)

func (k FrameKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindTopicIn:
		return "topic_in"
	case KindTopicOut:
		return "topic_out"
	case KindLog:
		return "log"
	case KindWireError:
		return "wire_error"
	default:
		return fmt.Sprintf("kind(0x%02x)", uint8(k))
	}
}

// Frame is one message exchanged with a device. Body is the schema-encoded payload,
// the transport supplies the message boundary.
type Frame struct {
	Kind FrameKind
	Seq  uint32         // Request/Response Korrelation
	Key  schema.TypeKey // request key, response key or topic key
	Path string
	Body []byte
}

// LogPath is the path carried by log frames.
const LogPath = "log"

// LogSchema is the payload type of log frames: one utf-8 line.
func LogSchema() *schema.Schema { return schema.Prim(schema.KindString) }

// WireErrorCode is what a device answers when it could not handle a request.
type WireErrorCode uint8

const (
	WireKeyTooSmall WireErrorCode = iota + 1
	WireUnknownKey
	WireDeserFailed
	WireSerFailed
	WireFailedToSpawn
)

func (c WireErrorCode) String() string {
	switch c {
	case WireKeyTooSmall:
		return "key_too_small"
	case WireUnknownKey:
		return "unknown_key"
	case WireDeserFailed:
		return "deser_failed"
	case WireSerFailed:
		return "ser_failed"
	case WireFailedToSpawn:
		return "failed_to_spawn"
	default:
		return fmt.Sprintf("wire_error(%d)", uint8(c))
	}
}

// ParseWireErrorCode is the inverse of WireErrorCode.String.
func ParseWireErrorCode(s string) (WireErrorCode, error) {
	for c := WireKeyTooSmall; c <= WireFailedToSpawn; c++ {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown wire error code %q", s)
}

// WireErrorFrame builds the reply to a request the device rejected.
func WireErrorFrame(req *Frame, code WireErrorCode) *Frame {
	return &Frame{Kind: KindWireError, Seq: req.Seq, Key: req.Key, Path: req.Path, Body: []byte{byte(code)}}
}

// WireError extracts the code of a wire error frame.
func (f *Frame) WireError() WireErrorCode {
	if f.Kind != KindWireError || len(f.Body) == 0 {
		return 0
	}
	return WireErrorCode(f.Body[0])
}

// header: kind(1) seq(4, big endian) key(8) path length(2)
const headerLen = 1 + 4 + 8 + 2

// MaxPathLen is the longest path the two byte length prefix can carry.
const MaxPathLen = 1<<16 - 1

var ErrPathTooLong = errors.New("frame path too long")

// Encode serializes the frame for byte-oriented links.
func (f *Frame) Encode() ([]byte, error) {
	if len(f.Path) > MaxPathLen {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrPathTooLong, len(f.Path), MaxPathLen)
	}
	out := make([]byte, headerLen+len(f.Path)+len(f.Body))
	out[0] = byte(f.Kind)
	binary.BigEndian.PutUint32(out[1:5], f.Seq)
	copy(out[5:13], f.Key[:])
	binary.BigEndian.PutUint16(out[13:15], uint16(len(f.Path)))
	copy(out[headerLen:], f.Path)
	copy(out[headerLen+len(f.Path):], f.Body)
	return out, nil
}

// DecodeFrame parses what Encode produced.
func DecodeFrame(data []byte) (*Frame, error) {
	if len(data) < headerLen {
		return nil, fmt.Errorf("frame too short: %d bytes", len(data))
	}

	f := &Frame{
		Kind: FrameKind(data[0]),
		Seq:  binary.BigEndian.Uint32(data[1:5]),
	}
	copy(f.Key[:], data[5:13])

	pathLen := int(binary.BigEndian.Uint16(data[13:15]))
	if len(data) < headerLen+pathLen {
		return nil, fmt.Errorf("frame path truncated: want %d bytes, have %d", pathLen, len(data)-headerLen)
	}
	f.Path = string(data[headerLen : headerLen+pathLen])
	f.Body = append([]byte(nil), data[headerLen+pathLen:]...)

	switch f.Kind {
	case KindRequest, KindResponse, KindTopicIn, KindTopicOut, KindLog, KindWireError:
	default:
		return nil, fmt.Errorf("unknown frame kind 0x%02x", data[0])
	}
	return f, nil
}

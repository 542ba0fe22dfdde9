// Package proto: stream frame codec for the plaintext loopback engine.
package proto

// FrameType: 1-byte type on wire.
type FrameType uint8

const (
	TypeData        FrameType = 0x01 // stream bytes, more follow
	TypeFin         FrameType = 0x02 // stream bytes, last chunk
	TypeReset       FrameType = 0x03 // sender abandoned the stream
	TypeStopSending FrameType = 0x04 // receiver no longer wants the stream
)

// FrameHeaderSize: 1 + 8 + 4 = 13 bytes (type, stream_id, length).
const FrameHeaderSize = 13

// MaxPayloadSize 16MiB.
const MaxPayloadSize = 1024 * 1024 * 16

// Frame: on-wire msg (header + opt payload).
type Frame struct {
	Type     FrameType
	StreamID uint64
	Payload  []byte
}

// Valid reports whether t is a known frame type.
func (t FrameType) Valid() bool {
	return t >= TypeData && t <= TypeStopSending
}

func (t FrameType) String() string {
	switch t {
	case TypeData:
		return "data"
	case TypeFin:
		return "fin"
	case TypeReset:
		return "reset"
	case TypeStopSending:
		return "stop_sending"
	default:
		return "unknown"
	}
}

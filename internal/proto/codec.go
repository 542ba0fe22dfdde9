package proto

import (
	"encoding/binary"
	"errors"
	"io"
)

var ErrShortRead = errors.New("short read")
var ErrInvalidFrame = errors.New("invalid frame")
var ErrPayloadTooLarge = errors.New("payload too large")

// EncodeFrame writes 13-byte header + payload to w (payload opt).
func EncodeFrame(w io.Writer, f *Frame) error {
	if len(f.Payload) > MaxPayloadSize {
		return ErrPayloadTooLarge
	}
	var header [FrameHeaderSize]byte
	putHeader(header[:], f)
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return err
		}
	}
	return nil
}

// AppendFrame appends the encoded frame to dst.
func AppendFrame(dst []byte, f *Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return dst, ErrPayloadTooLarge
	}
	var header [FrameHeaderSize]byte
	putHeader(header[:], f)
	dst = append(dst, header[:]...)
	return append(dst, f.Payload...), nil
}

func putHeader(header []byte, f *Frame) {
	header[0] = byte(f.Type)
	binary.LittleEndian.PutUint64(header[1:9], f.StreamID)
	binary.LittleEndian.PutUint32(header[9:13], uint32(len(f.Payload)))
}

// DecodeFrame reads one frame; payloadBuf opt (nil = alloc).
func DecodeFrame(r io.Reader, payloadBuf []byte) (*Frame, error) {
	var header [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, ErrShortRead
	}
	ft := FrameType(header[0])
	if !ft.Valid() {
		return nil, ErrInvalidFrame
	}
	streamID := binary.LittleEndian.Uint64(header[1:9])
	length := binary.LittleEndian.Uint32(header[9:13])
	var payload []byte
	if length > 0 {
		if length > MaxPayloadSize {
			return nil, ErrInvalidFrame
		}
		if payloadBuf != nil && cap(payloadBuf) >= int(length) {
			payload = payloadBuf[:length]
		} else {
			payload = make([]byte, length)
		}
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, ErrShortRead
		}
	}
	return &Frame{Type: ft, StreamID: streamID, Payload: payload}, nil
}

// ParseFrame decodes one frame from the front of b without copying the
// payload; returns the remainder.
func ParseFrame(b []byte) (*Frame, []byte, error) {
	if len(b) < FrameHeaderSize {
		return nil, b, ErrShortRead
	}
	ft := FrameType(b[0])
	if !ft.Valid() {
		return nil, b, ErrInvalidFrame
	}
	streamID := binary.LittleEndian.Uint64(b[1:9])
	length := binary.LittleEndian.Uint32(b[9:13])
	if length > MaxPayloadSize {
		return nil, b, ErrInvalidFrame
	}
	end := FrameHeaderSize + int(length)
	if len(b) < end {
		return nil, b, ErrShortRead
	}
	return &Frame{Type: ft, StreamID: streamID, Payload: b[FrameHeaderSize:end]}, b[end:], nil
}

// MaxChunk: largest payload fitting one frame into a packet of mtu bytes.
func MaxChunk(mtu int) int {
	n := mtu - FrameHeaderSize
	if n < 0 {
		return 0
	}
	return n
}

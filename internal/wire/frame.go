// Package wire implements the OpenSSH agent wire protocol framing used on
// both the front pipe and the shared backend pipe: a 4-byte big-endian
// length prefix followed by a one-byte message type and a type-specific
// payload.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MessageType identifies the single byte that follows the length prefix.
type MessageType byte

const (
	// MsgRequestIdentities is sent by a client asking for the merged
	// identity list.
	MsgRequestIdentities MessageType = 11
	// MsgSignRequest is sent by a client asking for a signature over an
	// opaque data blob using a specific key.
	MsgSignRequest MessageType = 13
	// MsgIdentitiesAnswer carries the list of (blob, comment) pairs in
	// reply to MsgRequestIdentities.
	MsgIdentitiesAnswer MessageType = 12
	// MsgSignResponse carries a single signature in reply to
	// MsgSignRequest.
	MsgSignResponse MessageType = 14
	// MsgSuccess is an empty-payload positive outcome.
	MsgSuccess MessageType = 6
	// MsgFailure is an empty-payload negative outcome.
	MsgFailure MessageType = 5
)

// MaxFrameSize is the largest frame the codec will accept, per spec.
const MaxFrameSize = 256 * 1024

// MaxIdentities is the largest identity count an identities-answer may
// declare.
const MaxIdentities = 1000

// ErrMalformedFrame is returned for any protocol violation: a bad length
// prefix, a payload that ends early, or a sub-payload that declares more
// bytes than remain.
var ErrMalformedFrame = errors.New("wire: malformed frame")

// ErrEndOfStream is returned by ReadFrame when the peer closed the
// connection cleanly between frames (zero bytes read on the length prefix).
var ErrEndOfStream = errors.New("wire: end of stream")

// Frame is a fully decoded message: its type and raw payload bytes (the
// payload does not include the type byte).
type Frame struct {
	Type    MessageType
	Payload []byte
}

// ReadFrame reads exactly one frame from r. A clean EOF while reading the
// 4-byte length prefix (zero bytes read) yields ErrEndOfStream. Any other
// short read, a declared length of zero or greater than MaxFrameSize, or a
// payload that ends before its declared length, yields ErrMalformedFrame.
func ReadFrame(r *bufio.Reader) (Frame, error) {
	var lenBuf [4]byte
	n, err := io.ReadFull(r, lenBuf[:])
	if n == 0 && errors.Is(err, io.EOF) {
		return Frame{}, ErrEndOfStream
	}
	if err != nil {
		return Frame{}, fmt.Errorf("%w: reading length prefix: %v", ErrMalformedFrame, err)
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 || length > MaxFrameSize {
		return Frame{}, fmt.Errorf("%w: declared length %d out of bounds", ErrMalformedFrame, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, fmt.Errorf("%w: reading payload: %v", ErrMalformedFrame, err)
	}

	return Frame{Type: MessageType(body[0]), Payload: body[1:]}, nil
}

// WriteFrame writes a single frame: the 4-byte length of (type byte +
// payload), the type byte, the payload, then flushes.
func WriteFrame(w *bufio.Writer, typ MessageType, payload []byte) error {
	length := uint32(1 + len(payload))

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], length)

	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("wire: writing length prefix: %w", err)
	}
	if err := w.WriteByte(byte(typ)); err != nil {
		return fmt.Errorf("wire: writing message type: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("wire: writing payload: %w", err)
		}
	}
	return w.Flush()
}

// writeLengthPrefixed appends a 4-byte big-endian length followed by b.
func writeLengthPrefixed(dst []byte, b []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	dst = append(dst, lenBuf[:]...)
	dst = append(dst, b...)
	return dst
}

// readLengthPrefixed reads one length-prefixed byte string from payload
// starting at offset, returning the string and the offset just past it.
func readLengthPrefixed(payload []byte, offset int) ([]byte, int, error) {
	if offset+4 > len(payload) {
		return nil, 0, fmt.Errorf("%w: truncated length prefix", ErrMalformedFrame)
	}
	length := binary.BigEndian.Uint32(payload[offset : offset+4])
	offset += 4
	end := offset + int(length)
	if end < offset || end > len(payload) {
		return nil, 0, fmt.Errorf("%w: declared sub-length %d exceeds remaining payload", ErrMalformedFrame, length)
	}
	return payload[offset:end], end, nil
}

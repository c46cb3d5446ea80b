package wire

import (
	"encoding/binary"
	"fmt"
)

// SignRequest is the decoded payload of a MsgSignRequest frame.
type SignRequest struct {
	KeyBlob []byte
	Data    []byte
	Flags   uint32
}

// ParseSignRequest decodes a sign-request payload: two length-prefixed byte
// strings (key blob, data) followed by an optional trailing 4-byte flags
// word. If the payload ends exactly after the data string, flags default to
// zero.
func ParseSignRequest(payload []byte) (SignRequest, error) {
	keyBlob, offset, err := readLengthPrefixed(payload, 0)
	if err != nil {
		return SignRequest{}, err
	}
	data, offset, err := readLengthPrefixed(payload, offset)
	if err != nil {
		return SignRequest{}, err
	}

	var flags uint32
	switch remaining := len(payload) - offset; {
	case remaining == 0:
		flags = 0
	case remaining == 4:
		flags = binary.BigEndian.Uint32(payload[offset : offset+4])
	default:
		return SignRequest{}, fmt.Errorf("%w: trailing %d bytes after sign-request fields", ErrMalformedFrame, remaining)
	}

	return SignRequest{KeyBlob: keyBlob, Data: data, Flags: flags}, nil
}

// EncodeSignRequest is the inverse of ParseSignRequest, used by the backend
// client to build the frame it sends to the shared backend pipe, and by
// tests to exercise round-trips.
func EncodeSignRequest(keyBlob, data []byte, flags uint32) []byte {
	buf := make([]byte, 0, 8+len(keyBlob)+len(data)+4)
	buf = writeLengthPrefixed(buf, keyBlob)
	buf = writeLengthPrefixed(buf, data)
	var flagBuf [4]byte
	binary.BigEndian.PutUint32(flagBuf[:], flags)
	buf = append(buf, flagBuf[:]...)
	return buf
}

// EncodeSignResponse wraps a signature as a length-prefixed byte string,
// the payload of a MsgSignResponse frame.
func EncodeSignResponse(signature []byte) []byte {
	return writeLengthPrefixed(make([]byte, 0, 4+len(signature)), signature)
}

// ParseSignResponse extracts the inner length-prefixed signature from a
// MsgSignResponse payload.
func ParseSignResponse(payload []byte) ([]byte, error) {
	signature, _, err := readLengthPrefixed(payload, 0)
	return signature, err
}

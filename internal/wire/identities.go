package wire

import (
	"encoding/binary"
	"fmt"
)

// Identity is the public-key blob plus a human-readable comment, as
// exchanged in an identities-answer payload.
type Identity struct {
	Blob    []byte
	Comment string
}

// ParseIdentitiesAnswer decodes an identities-answer payload: a 4-byte
// count N followed by N (key blob, comment) pairs, each length-prefixed. N
// greater than MaxIdentities is rejected.
func ParseIdentitiesAnswer(payload []byte) ([]Identity, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("%w: truncated identity count", ErrMalformedFrame)
	}
	count := binary.BigEndian.Uint32(payload[:4])
	if count > MaxIdentities {
		return nil, fmt.Errorf("%w: identity count %d exceeds maximum %d", ErrMalformedFrame, count, MaxIdentities)
	}

	offset := 4
	identities := make([]Identity, 0, count)
	for i := uint32(0); i < count; i++ {
		blob, next, err := readLengthPrefixed(payload, offset)
		if err != nil {
			return nil, err
		}
		offset = next

		commentBytes, next, err := readLengthPrefixed(payload, offset)
		if err != nil {
			return nil, err
		}
		offset = next

		identities = append(identities, Identity{Blob: blob, Comment: string(commentBytes)})
	}
	return identities, nil
}

// EncodeIdentitiesAnswer is the inverse of ParseIdentitiesAnswer.
func EncodeIdentitiesAnswer(identities []Identity) []byte {
	buf := make([]byte, 4, 4+len(identities)*16)
	binary.BigEndian.PutUint32(buf[:4], uint32(len(identities)))
	for _, id := range identities {
		buf = writeLengthPrefixed(buf, id.Blob)
		buf = writeLengthPrefixed(buf, []byte(id.Comment))
	}
	return buf
}

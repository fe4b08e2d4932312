// Package codec implements the fixed-layout binary wire format used to
// publish DrawEvents on the cross-process broadcast channel. No Go
// bincode-compatible library appears anywhere in this project's
// dependency set, so a small fixed-layout encoder is hand-rolled here
// instead: the payload is three fields with no variable-length data, so
// a generic serialization library would add cost without adding safety.
package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/vitaliisemenov/pixelcanvas/internal/domain"
)

// DrawEventSize is the encoded size in bytes: X (int32) + Y (int32) + RGB (3 bytes).
const DrawEventSize = 4 + 4 + 3

// EncodeDrawEvent serializes e into the fixed 11-byte wire layout.
func EncodeDrawEvent(e domain.DrawEvent) []byte {
	buf := make([]byte, DrawEventSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(e.X))
	binary.BigEndian.PutUint32(buf[4:8], uint32(e.Y))
	buf[8], buf[9], buf[10] = e.RGB[0], e.RGB[1], e.RGB[2]
	return buf
}

// DecodeDrawEvent parses the fixed wire layout produced by EncodeDrawEvent.
func DecodeDrawEvent(buf []byte) (domain.DrawEvent, error) {
	if len(buf) != DrawEventSize {
		return domain.DrawEvent{}, fmt.Errorf("codec: draw event payload has length %d, want %d", len(buf), DrawEventSize)
	}
	return domain.DrawEvent{
		X:   int32(binary.BigEndian.Uint32(buf[0:4])),
		Y:   int32(binary.BigEndian.Uint32(buf[4:8])),
		RGB: domain.RGB{buf[8], buf[9], buf[10]},
	}, nil
}

// Package protocol implements the framed packet codec shared by the
// TeaVPN2 client and server: a 4-byte prefix (type, pad_len, length)
// followed by a type-tagged payload, carried verbatim over either a
// stream (TCP) or datagram (UDP) transport.
package protocol

import "encoding/binary"

const (
	// HeaderSize is the fixed 4-byte frame prefix: type, pad_len, length(2).
	HeaderSize = 4

	// MaxPayloadSize is the largest payload a frame may carry.
	MaxPayloadSize = 0x2000

	// MaxFrameSize is the largest a complete frame (prefix + payload) can be.
	MaxFrameSize = HeaderSize + MaxPayloadSize
)

// Header is the 4-byte frame prefix:
//
//	offset  size  field
//	0       1     type
//	1       1     pad_len
//	2       2     length (big-endian, payload bytes)
type Header struct {
	Type   byte
	PadLen byte
	Length uint16
}

// Put writes the header into buf[:4]. buf must have length >= HeaderSize.
func (h Header) Put(buf []byte) {
	buf[0] = h.Type
	buf[1] = h.PadLen
	binary.BigEndian.PutUint16(buf[2:4], h.Length)
}

// parseHeader reads a Header out of buf[:4]. Caller must ensure len(buf) >= 4.
func parseHeader(buf []byte) Header {
	return Header{
		Type:   buf[0],
		PadLen: buf[1],
		Length: binary.BigEndian.Uint16(buf[2:4]),
	}
}

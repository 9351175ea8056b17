// Package ipheader extracts the destination address carried inside a
// tunneled IFACE_DATA frame. Only IPv4 is implemented: this package
// rejects anything that isn't an IPv4 header instead of carrying IPv6
// parsing for a path nothing ever exercises.
package ipheader

import (
	"errors"

	"golang.org/x/net/ipv4"
)

var (
	// ErrNotIPv4 is returned for any header whose version nibble isn't 4.
	ErrNotIPv4 = errors.New("ipheader: not an ipv4 packet")
	// ErrTooShort is returned when the buffer is smaller than the fixed
	// IPv4 header, or smaller than its own declared IHL.
	ErrTooShort = errors.New("ipheader: header too short")
)

// DestinationAddress returns the destination address of an IPv4 packet
// (header[16:20]), validating the version nibble and the declared
// header length (IHL) against the actual buffer length.
func DestinationAddress(frame []byte) ([4]byte, error) {
	var dst [4]byte
	if len(frame) < ipv4.HeaderLen {
		return dst, ErrTooShort
	}
	if ver := frame[0] >> 4; ver != 4 {
		return dst, ErrNotIPv4
	}
	ihl := int(frame[0]&0x0F) * 4
	if ihl < ipv4.HeaderLen || len(frame) < ihl {
		return dst, ErrTooShort
	}
	copy(dst[:], frame[16:20])
	return dst, nil
}

// SourceAddress returns the source address of an IPv4 packet
// (header[12:16]), used by the server to reject spoofed tunneled
// frames whose source doesn't match the session's assigned IP.
func SourceAddress(frame []byte) ([4]byte, error) {
	var src [4]byte
	if len(frame) < ipv4.HeaderLen {
		return src, ErrTooShort
	}
	if ver := frame[0] >> 4; ver != 4 {
		return src, ErrNotIPv4
	}
	copy(src[:], frame[12:16])
	return src, nil
}

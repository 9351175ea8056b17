// Package application declares the narrow interfaces the core depends on
// but does not implement: TUN device access, logging, and the
// cryptographic transform hook. Concrete implementations live under
// internal/; the core only ever sees these contracts, so it stays
// agnostic of the operating system and of whether encryption is
// enabled.
package application

import (
	"io"
)

// Device is a raw IPv4 frame source/sink backed by a TUN file descriptor.
// The core never creates a Device itself; it is handed one by the
// lifecycle controller.
type Device interface {
	io.ReadWriteCloser
	Fd() uintptr
}

// Logger is the logging seam. The default implementation forwards to the
// standard library "log" package. Separate level methods exist so an
// implementation can honor an in_emergency flag, raised on repeated
// resource exhaustion, by dropping Debugf/Infof while still surfacing
// Errorf.
type Logger interface {
	Debugf(format string, v ...any)
	Infof(format string, v ...any)
	Errorf(format string, v ...any)
}

// CryptographyService is the encryption hook: pad_len and need_encryption
// are wired through the wire format, but no transform is mandated. A
// NoOp implementation is the default; a ChaCha20-Poly1305 implementation
// is available but not selected unless need_encryption is set in
// configuration.
type CryptographyService interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

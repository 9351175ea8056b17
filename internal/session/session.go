// Package session implements the per-peer state record: identity,
// authentication status, assigned interface parameters, liveness
// counters, and the per-session mutex guarding them. It is shared by
// client and server; only the state machine wiring around it differs
// by role.
package session

import (
	"sync"
	"time"

	"github.com/Zxce3/teavpn2/internal/protocol"
)

// DefaultErrorThreshold is the default consecutive-error count at which
// a session is considered dead (configurable).
const DefaultErrorThreshold = 5

// Session is the per-peer state record. The mutex guards the file
// descriptor and the counters; IsAuth is written only by the control
// path that currently owns the session.
type Session struct {
	mu sync.Mutex

	fd       int
	slot     uint16
	username string

	isUsed  bool
	isConn  bool
	isAuth  bool

	recvCount uint32
	sendCount uint32
	errCount  uint8

	ifInfo protocol.IfInfo

	createdAt    time.Time
	lastActivity time.Time
	probeSent    time.Time // zero means no idle probe is currently outstanding

	// The record carries no online flag or worker-thread reference
	// count; worker liveness is tracked by the engine package through
	// each worker's own done channel.
}

// New returns a freshly allocated, unused Session for slot idx.
func New(idx uint16) *Session {
	return &Session{slot: idx, fd: -1}
}

// Reset clears a session back to its just-allocated state so the slot
// can be reused without reallocating the struct.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fd = -1
	s.username = ""
	s.isUsed = false
	s.isConn = false
	s.isAuth = false
	s.recvCount = 0
	s.sendCount = 0
	s.errCount = 0
	s.ifInfo = protocol.IfInfo{}
	s.createdAt = time.Time{}
	s.lastActivity = time.Time{}
	s.probeSent = time.Time{}
}

// Slot returns this session's fixed slot index in the table.
func (s *Session) Slot() uint16 { return s.slot }

// BindFD assigns the connected socket/transport descriptor, marks the
// slot in use, and starts the handshake/auth timeout clock.
func (s *Session) BindFD(fd int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fd = fd
	s.isUsed = true
	now := time.Now()
	s.createdAt = now
	s.lastActivity = now
}

// FD returns the bound file descriptor, or -1 if none is bound.
func (s *Session) FD() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fd
}

// SetUsername records the peer's claimed identity (set once, during the
// AUTH exchange).
func (s *Session) SetUsername(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.username = name
}

// Username returns the peer's claimed identity.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// MarkConnected transitions the session to "connected" (handshake
// accepted, pre-auth).
func (s *Session) MarkConnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isConn = true
}

// MarkAuthenticated transitions the session to "authenticated" and
// records the interface parameters assigned to the peer. Because
// is_auth implies is_conn implies is_used, the caller must already
// have called MarkConnected and BindFD.
func (s *Session) MarkAuthenticated(ifInfo protocol.IfInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isAuth = true
	s.ifInfo = ifInfo
}

// IsUsed, IsConnected, IsAuthenticated report the lifecycle flags.
func (s *Session) IsUsed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isUsed
}

func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isConn
}

func (s *Session) IsAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isAuth
}

// IfInfo returns the interface parameters assigned to an authenticated
// session.
func (s *Session) IfInfo() protocol.IfInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ifInfo
}

// InternalIP returns the assigned virtual IPv4 address.
func (s *Session) InternalIP() [4]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ifInfo.IPv4
}

// RecordError increments the consecutive-error counter. Any decode
// error, short write, or zero-byte read on a connected session
// increments it.
func (s *Session) RecordError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errCount < 255 {
		s.errCount++
	}
}

// ResetError clears the consecutive-error counter. A REQSYNC received
// or sent resets it and counts as activity, clearing any outstanding
// idle probe.
func (s *Session) ResetError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errCount = 0
	s.touchLocked()
}

// IsExpired reports whether the error counter has crossed threshold.
func (s *Session) IsExpired(threshold uint8) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errCount >= threshold
}

// RecordRecv/RecordSend track byte or frame throughput counters and
// count as activity for idle-probe purposes.
func (s *Session) RecordRecv(n uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recvCount += n
	s.touchLocked()
}

func (s *Session) RecordSend(n uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendCount += n
	s.touchLocked()
}

func (s *Session) touchLocked() {
	s.lastActivity = time.Now()
	s.probeSent = time.Time{}
}

// Age reports how long it has been since BindFD, the reference point
// for the handshake/auth timeout deadline.
func (s *Session) Age() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.createdAt)
}

// CheckIdle advances this session's idle-probe state against
// idleLimit and reports what the caller should do: "probe" to send a
// REQSYNC now (an idle probe is now outstanding), "missed" if a
// previously sent probe went unanswered for another full idleLimit
// window (the caller should record it as an error and may send
// another probe on a later call), or "" if there is nothing to do.
func (s *Session) CheckIdle(idleLimit time.Duration) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if !s.probeSent.IsZero() {
		if now.Sub(s.probeSent) > idleLimit {
			s.probeSent = time.Time{}
			s.lastActivity = now
			return "missed"
		}
		return ""
	}
	if now.Sub(s.lastActivity) > idleLimit {
		s.probeSent = now
		return "probe"
	}
	return ""
}

// Counters returns the current recv/send counters for diagnostics.
func (s *Session) Counters() (recv, send uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recvCount, s.sendCount
}

// Close releases the session's own resources. It does not close the
// network file descriptor: ownership of fd lifetime belongs to the
// engine/transport layer, which may need to keep it open briefly for
// a CLOSE handshake after this call.
func (s *Session) Close() {
	s.Reset()
}

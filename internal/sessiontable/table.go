// Package sessiontable implements the server-only session table: a
// fixed-capacity slot array with an O(1) free-slot stack and a 256x256
// IPv4 trie (last two octets) mapping virtual IPs to sessions, plus an
// FD→slot map for the I/O engine. The fixed-capacity array plus stack
// plus trie combination keeps slot allocation, IP lookup, and FD lookup
// all O(1) regardless of how many sessions are live.
package sessiontable

import (
	"errors"
	"sync"

	"github.com/Zxce3/teavpn2/internal/session"
)

// Sentinel values naming the three non-session fd kinds: "unused",
// "pipe wake-up", and "listening socket". The Table's fdMap stores only
// session slot indices and never holds these values; an fd that was
// not bound with BindFD resolves to ErrUnknown.
const (
	FDUnused    int32 = -1
	FDWakeup    int32 = -2
	FDListening int32 = -3
)

var (
	// ErrFull is returned by Acquire() when the free-slot stack is empty.
	ErrFull = errors.New("sessiontable: server full")
	// ErrUnknown is returned by lookups that find no matching session.
	ErrUnknown = errors.New("sessiontable: unknown")
	// ErrIPInUse is returned by BindIP when the target cell is already
	// occupied: a server configuration error, reported and fatal to the
	// offending session only.
	ErrIPInUse = errors.New("sessiontable: ip already bound")
	// ErrAlreadyFree is returned by Release on a slot not currently
	// owned by any session.
	ErrAlreadyFree = errors.New("sessiontable: slot already free")
)

// Table is the fixed-capacity session table. Capacity is max_conn,
// configured at construction and bounded to uint16.
type Table struct {
	mu sync.Mutex

	slots    []*session.Session
	inUse    []bool
	freeStk  []uint16 // LIFO; freeStk[:sp] are the free indices
	sp       int

	ipMap [256][256]*session.Session

	fdMap  map[int]uint16
	slotFD []int // fd last registered for each slot by BindFD, -1 if none
}

// New allocates a table for up to capacity concurrent sessions.
func New(capacity uint16) *Table {
	t := &Table{
		slots:   make([]*session.Session, capacity),
		inUse:   make([]bool, capacity),
		freeStk: make([]uint16, capacity),
		fdMap:   make(map[int]uint16, capacity),
		slotFD:  make([]int, capacity),
	}
	for i := uint16(0); i < capacity; i++ {
		t.slots[i] = session.New(i)
		t.slotFD[i] = -1
		t.freeStk[i] = capacity - 1 - i // order doesn't matter; see invariant (iii)
	}
	t.sp = int(capacity)
	return t
}

// Capacity returns max_conn.
func (t *Table) Capacity() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}

// Acquire pops the top of the free-slot stack and returns its session,
// ready for a fresh lifecycle. O(1).
func (t *Table) Acquire() (*session.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sp == 0 {
		return nil, ErrFull
	}
	t.sp--
	idx := t.freeStk[t.sp]
	t.inUse[idx] = true
	return t.slots[idx], nil
}

// Release clears the slot (session state, IP-map entry, FD-map entry)
// and pushes it back onto the free stack. O(1).
func (t *Table) Release(s *session.Session) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := s.Slot()
	if !t.inUse[idx] {
		return ErrAlreadyFree
	}

	t.unbindIPLocked(s)
	if fd := t.slotFD[idx]; fd >= 0 {
		delete(t.fdMap, fd)
		t.slotFD[idx] = -1
	}
	s.Reset()

	t.inUse[idx] = false
	t.freeStk[t.sp] = idx
	t.sp++
	return nil
}

// InUseCount returns the number of slots currently not on the free
// stack, for diagnostics and the "server full" test scenario.
func (t *Table) InUseCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots) - t.sp
}

// BindIP asserts the IP-map cell for addr is empty, then binds s
// there. addr is a 4-byte IPv4 address; only the last two octets
// index the trie.
func (t *Table) BindIP(s *session.Session, addr [4]byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, d := addr[2], addr[3]
	if t.ipMap[c][d] != nil {
		return ErrIPInUse
	}
	t.ipMap[c][d] = s
	return nil
}

// UnbindIP clears s's IP-map entry, if any.
func (t *Table) UnbindIP(s *session.Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unbindIPLocked(s)
}

func (t *Table) unbindIPLocked(s *session.Session) {
	addr := s.InternalIP()
	c, d := addr[2], addr[3]
	if t.ipMap[c][d] == s {
		t.ipMap[c][d] = nil
	}
}

// ByIP returns the session whose assigned IPv4 equals addr, or
// ErrUnknown. O(1).
func (t *Table) ByIP(addr [4]byte) (*session.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, d := addr[2], addr[3]
	s := t.ipMap[c][d]
	if s == nil {
		return nil, ErrUnknown
	}
	return s, nil
}

// BindFD registers fd as belonging to s's slot, for the I/O engine's
// O(1) FD->session resolution.
func (t *Table) BindFD(s *session.Session, fd int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fdMap[fd] = s.Slot()
	t.slotFD[s.Slot()] = fd
}

// ByFD returns the session owning fd, or ErrUnknown. O(1).
func (t *Table) ByFD(fd int) (*session.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, ok := t.fdMap[fd]
	if !ok {
		return nil, ErrUnknown
	}
	return t.slots[idx], nil
}

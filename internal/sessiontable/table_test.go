package sessiontable

import (
	"errors"
	"sort"
	"testing"

	"github.com/Zxce3/teavpn2/internal/protocol"
	"github.com/Zxce3/teavpn2/internal/session"
)

func protocolIfInfo(addr [4]byte) protocol.IfInfo {
	return protocol.IfInfo{IPv4: addr}
}

func TestAcquireReleaseRespectsCapacity(t *testing.T) {
	const capacity = 4
	tbl := New(capacity)

	var acquired []*session.Session
	for i := 0; i < capacity; i++ {
		s, err := tbl.Acquire()
		if err != nil {
			t.Fatalf("acquire %d: unexpected error: %v", i, err)
		}
		acquired = append(acquired, s)
	}

	if _, err := tbl.Acquire(); !errors.Is(err, ErrFull) {
		t.Fatalf("expected ErrFull once capacity is exhausted, got %v", err)
	}

	if got := tbl.InUseCount(); got != capacity {
		t.Fatalf("expected InUseCount %d, got %d", capacity, got)
	}

	for _, s := range acquired {
		if err := tbl.Release(s); err != nil {
			t.Fatalf("release slot %d: unexpected error: %v", s.Slot(), err)
		}
	}

	if got := tbl.InUseCount(); got != 0 {
		t.Fatalf("expected InUseCount 0 after releasing everything, got %d", got)
	}
}

func TestReleaseOfFreeSlotIsRejected(t *testing.T) {
	tbl := New(2)
	s, err := tbl.Acquire()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tbl.Release(s); err != nil {
		t.Fatalf("unexpected error releasing owned slot: %v", err)
	}
	if err := tbl.Release(s); !errors.Is(err, ErrAlreadyFree) {
		t.Fatalf("expected ErrAlreadyFree on double release, got %v", err)
	}
}

// TestBalancedSequenceRestoresStackContents checks that after any
// balanced acquire/release sequence, the set of free slot indices
// returns to its initial contents (order-insensitive).
func TestBalancedSequenceRestoresStackContents(t *testing.T) {
	const capacity = 6
	tbl := New(capacity)

	var held []*session.Session
	ops := []bool{true, true, false, true, true, false, false, true, false, false}
	for _, acquire := range ops {
		if acquire {
			s, err := tbl.Acquire()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			held = append(held, s)
		} else if len(held) > 0 {
			s := held[len(held)-1]
			held = held[:len(held)-1]
			if err := tbl.Release(s); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		}
	}
	for _, s := range held {
		if err := tbl.Release(s); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	// Drain the stack and confirm it contains exactly 0..capacity-1.
	var drained []int
	for {
		s, err := tbl.Acquire()
		if err != nil {
			break
		}
		drained = append(drained, int(s.Slot()))
	}
	sort.Ints(drained)
	if len(drained) != capacity {
		t.Fatalf("expected %d slots drained, got %d", capacity, len(drained))
	}
	for i, v := range drained {
		if v != i {
			t.Fatalf("expected slot set {0..%d}, got %v", capacity-1, drained)
		}
	}
}

func TestIPMapLookupAndUnbind(t *testing.T) {
	tbl := New(4)
	s, err := tbl.Acquire()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	addr := [4]byte{10, 8, 0, 2}
	s.MarkAuthenticated(protocolIfInfo(addr))

	if err := tbl.BindIP(s, addr); err != nil {
		t.Fatalf("unexpected error binding IP: %v", err)
	}

	got, err := tbl.ByIP(addr)
	if err != nil {
		t.Fatalf("unexpected error looking up IP: %v", err)
	}
	if got != s {
		t.Fatalf("expected lookup to return the bound session")
	}

	tbl.UnbindIP(s)
	if _, err := tbl.ByIP(addr); !errors.Is(err, ErrUnknown) {
		t.Fatalf("expected ErrUnknown after unbind, got %v", err)
	}
}

func TestIPMapRejectsCollision(t *testing.T) {
	tbl := New(4)
	s1, _ := tbl.Acquire()
	s2, _ := tbl.Acquire()
	addr := [4]byte{10, 8, 0, 5}
	s1.MarkAuthenticated(protocolIfInfo(addr))
	s2.MarkAuthenticated(protocolIfInfo(addr))

	if err := tbl.BindIP(s1, addr); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tbl.BindIP(s2, addr); !errors.Is(err, ErrIPInUse) {
		t.Fatalf("expected ErrIPInUse, got %v", err)
	}
}

func TestByFDResolvesToSlotOwner(t *testing.T) {
	tbl := New(4)
	s, _ := tbl.Acquire()
	tbl.BindFD(s, 11)

	got, err := tbl.ByFD(11)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != s {
		t.Fatalf("expected ByFD to resolve to the bound session")
	}

	if _, err := tbl.ByFD(999); !errors.Is(err, ErrUnknown) {
		t.Fatalf("expected ErrUnknown for unmapped fd, got %v", err)
	}
}

func TestReleaseClearsIPAndFDMappings(t *testing.T) {
	tbl := New(4)
	s, _ := tbl.Acquire()
	addr := [4]byte{10, 8, 0, 9}
	s.MarkAuthenticated(protocolIfInfo(addr))
	_ = tbl.BindIP(s, addr)
	tbl.BindFD(s, 5)

	if err := tbl.Release(s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := tbl.ByIP(addr); !errors.Is(err, ErrUnknown) {
		t.Fatalf("expected ErrUnknown after release, got %v", err)
	}
	if _, err := tbl.ByFD(5); !errors.Is(err, ErrUnknown) {
		t.Fatalf("expected ErrUnknown after release, got %v", err)
	}
}

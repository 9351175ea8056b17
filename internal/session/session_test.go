package session

import (
	"testing"

	"github.com/Zxce3/teavpn2/internal/protocol"
)

func TestSessionLifecycleFlags(t *testing.T) {
	s := New(3)
	if s.IsUsed() || s.IsConnected() || s.IsAuthenticated() {
		t.Fatalf("freshly created session should have no lifecycle flags set")
	}

	s.BindFD(42)
	if !s.IsUsed() {
		t.Errorf("expected IsUsed after BindFD")
	}
	if s.FD() != 42 {
		t.Errorf("expected FD 42, got %d", s.FD())
	}

	s.MarkConnected()
	if !s.IsConnected() {
		t.Errorf("expected IsConnected after MarkConnected")
	}

	info := protocol.IfInfo{IPv4: [4]byte{10, 8, 0, 2}, MTU: 1500}
	s.MarkAuthenticated(info)
	if !s.IsAuthenticated() {
		t.Errorf("expected IsAuthenticated after MarkAuthenticated")
	}
	if got := s.InternalIP(); got != info.IPv4 {
		t.Errorf("expected internal IP %v, got %v", info.IPv4, got)
	}
}

func TestSessionErrorThreshold(t *testing.T) {
	s := New(0)
	for i := 0; i < DefaultErrorThreshold-1; i++ {
		s.RecordError()
		if s.IsExpired(DefaultErrorThreshold) {
			t.Fatalf("session expired too early at error %d", i+1)
		}
	}
	s.RecordError()
	if !s.IsExpired(DefaultErrorThreshold) {
		t.Fatalf("expected session to be expired at threshold %d", DefaultErrorThreshold)
	}

	s.ResetError()
	if s.IsExpired(DefaultErrorThreshold) {
		t.Fatalf("expected ResetError to clear expiry")
	}
}

func TestSessionReset(t *testing.T) {
	s := New(1)
	s.BindFD(7)
	s.SetUsername("alice")
	s.MarkConnected()
	s.MarkAuthenticated(protocol.IfInfo{IPv4: [4]byte{10, 0, 0, 1}})
	s.RecordError()

	s.Reset()

	if s.IsUsed() || s.IsConnected() || s.IsAuthenticated() {
		t.Fatalf("expected Reset to clear all lifecycle flags")
	}
	if s.Username() != "" {
		t.Errorf("expected Reset to clear username, got %q", s.Username())
	}
	if s.IsExpired(1) {
		t.Errorf("expected Reset to clear error counter")
	}
	if s.Slot() != 1 {
		t.Errorf("expected Reset to preserve slot index, got %d", s.Slot())
	}
}

func TestStateMachineHappyPath(t *testing.T) {
	m := NewMachine()
	steps := []struct {
		ev   Event
		want State
	}{
		{EventSocketReady, StateAwaitingHandshake},
		{EventHandshakeOK, StateAwaitingAuth},
		{EventAuthOK, StateActive},
		{EventIfaceData, StateActive},
		{EventReqsync, StateActive},
		{EventCloseOrError, StateClosing},
		{EventDrainComplete, StateTerminal},
	}
	for i, step := range steps {
		got, err := m.Fire(step.ev)
		if err != nil {
			t.Fatalf("step %d: unexpected error: %v", i, err)
		}
		if got != step.want {
			t.Fatalf("step %d: expected state %s, got %s", i, step.want, got)
		}
	}
}

func TestStateMachineRejectsIllegalTransitions(t *testing.T) {
	m := NewMachine()
	if _, err := m.Fire(EventAuthOK); err == nil {
		t.Fatalf("expected error firing AuthOK from fresh state")
	}
	if m.State() != StateFresh {
		t.Fatalf("illegal transition must not change state, got %s", m.State())
	}
}

func TestStateMachineHandshakeRejection(t *testing.T) {
	m := NewMachine()
	if _, err := m.Fire(EventSocketReady); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := m.Fire(EventHandshakeBad)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != StateClosing {
		t.Fatalf("expected Closing after handshake rejection, got %s", got)
	}
}

func TestStateMachineAuthRejection(t *testing.T) {
	m := NewMachine()
	_, _ = m.Fire(EventSocketReady)
	_, _ = m.Fire(EventHandshakeOK)
	got, err := m.Fire(EventAuthBad)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != StateClosing {
		t.Fatalf("expected Closing after auth rejection, got %s", got)
	}
}

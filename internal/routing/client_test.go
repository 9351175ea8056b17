package routing

import (
	"testing"

	"github.com/Zxce3/teavpn2/internal/config"
	"github.com/Zxce3/teavpn2/internal/crypto"
	"github.com/Zxce3/teavpn2/internal/logging"
	"github.com/Zxce3/teavpn2/internal/protocol"
	"github.com/Zxce3/teavpn2/internal/session"
)

func newTestClient(t *testing.T) (*Client, *fakeDevice) {
	t.Helper()
	cfg := config.NewDefaultClientConfig()
	cfg.Credentials = config.Credentials{Username: "alice", Password: "s3cret"}
	cfg.ConnectAddress = "127.0.0.1"
	dev := &fakeDevice{}
	c := NewClient(cfg, logging.NewLogger(), dev, crypto.NewNoOp())
	c.fsm = session.NewMachine()
	_, _ = c.fsm.Fire(session.EventSocketReady)
	return c, dev
}

func TestClientRespondsToCompatibleHandshakeWithAuth(t *testing.T) {
	c, _ := newTestClient(t)
	frame := protocol.Frame{Type: protocol.SHandshake, Payload: protocol.ServerHandshake{Current: c.current}}

	out, closeConn := c.decideOnServerFrame(frame)
	if closeConn {
		t.Fatalf("expected connection to stay open")
	}
	if len(out) != 1 || out[0].Type != protocol.CAuth {
		t.Fatalf("expected a single CAuth response, got %+v", out)
	}
	auth := out[0].Payload.(protocol.Auth)
	if auth.Username != "alice" || auth.Password != "s3cret" {
		t.Fatalf("unexpected auth payload: %+v", auth)
	}
	if c.fsm.State() != session.StateAwaitingAuth {
		t.Fatalf("expected awaiting_auth, got %s", c.fsm.State())
	}
}

func TestClientClosesOnIncompatibleHandshake(t *testing.T) {
	c, _ := newTestClient(t)
	bad := protocol.NewVersion(9, 0, 0, "")
	frame := protocol.Frame{Type: protocol.SHandshake, Payload: protocol.ServerHandshake{Current: bad}}

	out, closeConn := c.decideOnServerFrame(frame)
	if !closeConn {
		t.Fatalf("expected connection to close on version mismatch")
	}
	if len(out) != 1 || out[0].Type != protocol.CClose {
		t.Fatalf("expected a single CClose response, got %+v", out)
	}
}

func TestClientAppliesAssignedIfInfoOnAuthOk(t *testing.T) {
	c, _ := newTestClient(t)
	_, _ = c.fsm.Fire(session.EventHandshakeOK)

	info := protocol.IfInfo{IPv4: [4]byte{10, 8, 0, 5}, MTU: 1500}
	frame := protocol.Frame{Type: protocol.SAuthOk, Payload: protocol.AuthOk{IfInfo: info}}
	out, closeConn := c.decideOnServerFrame(frame)
	if closeConn || len(out) != 0 {
		t.Fatalf("expected the connection to stay open with no response, got close=%v out=%+v", closeConn, out)
	}
	if c.IfInfo() != info {
		t.Fatalf("expected IfInfo to be recorded, got %+v", c.IfInfo())
	}
	if c.fsm.State() != session.StateActive {
		t.Fatalf("expected active, got %s", c.fsm.State())
	}
}

func TestClientRejectsDuplicateAuthOk(t *testing.T) {
	c, _ := newTestClient(t)
	_, _ = c.fsm.Fire(session.EventHandshakeOK)

	first := protocol.IfInfo{IPv4: [4]byte{10, 8, 0, 5}, MTU: 1500}
	frame := protocol.Frame{Type: protocol.SAuthOk, Payload: protocol.AuthOk{IfInfo: first}}
	if _, closeConn := c.decideOnServerFrame(frame); closeConn {
		t.Fatalf("expected first AUTH_OK to be accepted")
	}

	second := protocol.IfInfo{IPv4: [4]byte{10, 8, 0, 9}, MTU: 1500}
	frame = protocol.Frame{Type: protocol.SAuthOk, Payload: protocol.AuthOk{IfInfo: second}}
	_, closeConn := c.decideOnServerFrame(frame)
	if !closeConn {
		t.Fatalf("expected a duplicate AUTH_OK on an already-active session to close the connection")
	}
	if c.IfInfo() != first {
		t.Fatalf("expected the original IfInfo to remain in effect, got %+v", c.IfInfo())
	}
}

func TestClientClosesOnAuthReject(t *testing.T) {
	c, _ := newTestClient(t)
	_, _ = c.fsm.Fire(session.EventHandshakeOK)

	frame := protocol.Frame{Type: protocol.SAuthReject, Payload: protocol.AuthReject{}}
	_, closeConn := c.decideOnServerFrame(frame)
	if !closeConn {
		t.Fatalf("expected connection to close on auth reject")
	}
}

func TestClientWritesIfaceDataToDevice(t *testing.T) {
	c, dev := newTestClient(t)
	_, _ = c.fsm.Fire(session.EventHandshakeOK)
	_, _ = c.fsm.Fire(session.EventAuthOK)

	frame := protocol.Frame{Type: protocol.SIfaceData, Payload: protocol.IfaceData{Frame: []byte{1, 2, 3}}}
	_, closeConn := c.decideOnServerFrame(frame)
	if closeConn {
		t.Fatalf("iface data must not close the connection")
	}
	if len(dev.written) != 1 {
		t.Fatalf("expected exactly one write to the TUN device, got %d", len(dev.written))
	}
}

func TestClientAcksReqsync(t *testing.T) {
	c, _ := newTestClient(t)
	_, _ = c.fsm.Fire(session.EventHandshakeOK)
	_, _ = c.fsm.Fire(session.EventAuthOK)

	frame := protocol.Frame{Type: protocol.SReqsync, Payload: protocol.Reqsync{}}
	out, closeConn := c.decideOnServerFrame(frame)
	if closeConn {
		t.Fatalf("reqsync must not close the connection")
	}
	if len(out) != 1 || out[0].Type != protocol.CReqsync {
		t.Fatalf("expected a single CReqsync ack, got %+v", out)
	}
}

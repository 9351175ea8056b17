package routing

import (
	"sync"

	"github.com/Zxce3/teavpn2/application"
	"github.com/Zxce3/teavpn2/internal/config"
	"github.com/Zxce3/teavpn2/internal/protocol"
	"github.com/Zxce3/teavpn2/internal/session"
)

// Client is the client-side routing logic: one connection to a server,
// driven by the same session.Machine states as the server side but
// with the roles of who initiates each step reversed. It owns exactly
// one server connection per process. When reconnect is enabled, a
// failed initial dial is retried with backoff; a connection that drops
// after it is established is not re-dialled, and Start returns the
// error instead.
type Client struct {
	cfg    *config.Config
	logger application.Logger
	device application.Device
	crypto application.CryptographyService

	current protocol.Version

	mu     sync.Mutex
	sess   *session.Session
	fsm    *session.Machine
	dec    *protocol.StreamDecoder
	ifInfo protocol.IfInfo

	// onAuthOk, if set, is invoked with the assigned interface
	// parameters once AUTH_OK arrives. The platform-specific session
	// wrapper (client_linux.go) sets this to apply the address to the
	// real TUN interface; it is nil (and skipped) in platform-agnostic
	// tests.
	onAuthOk func(protocol.IfInfo)
}

// NewClient builds client routing logic. The client keeps a lone,
// unshared session.Session as its counter/state bundle; it has no
// session table since it only ever has one peer.
func NewClient(cfg *config.Config, logger application.Logger, device application.Device, crypto application.CryptographyService) *Client {
	return &Client{
		cfg:     cfg,
		logger:  logger,
		device:  device,
		crypto:  crypto,
		current: protocol.NewVersion(0, 1, 0, ""),
		sess:    session.New(0),
		dec:     protocol.NewStreamDecoder(protocol.ServerToClient),
	}
}

// decideOnServerFrame implements the client side of the per-frame
// action table: it advances the local state machine and returns
// frames to send plus whether the connection must close.
func (c *Client) decideOnServerFrame(frame protocol.Frame) ([]outFrame, bool) {
	switch p := frame.Payload.(type) {
	case protocol.ServerHandshake:
		ev := session.EventHandshakeBad
		compatible := protocol.Compatible(c.current, p.Current, p.Min, p.Max, p.HasMin, p.HasMax)
		if compatible {
			ev = session.EventHandshakeOK
		}
		if _, err := c.fsm.Fire(ev); err != nil {
			return []outFrame{{protocol.CClose, protocol.Close{}}}, true
		}
		if !compatible {
			return []outFrame{{protocol.CClose, protocol.Close{}}}, true
		}
		return []outFrame{
			{protocol.CAuth, protocol.Auth{
				Username: c.cfg.Credentials.Username,
				Password: c.cfg.Credentials.Password,
			}},
		}, false

	case protocol.AuthOk:
		// An AUTH_OK outside awaiting_auth (e.g. a duplicate after the
		// session is already active) is an illegal transition and gets
		// dropped instead of re-applying the interface assignment.
		if _, err := c.fsm.Fire(session.EventAuthOK); err != nil {
			return []outFrame{{protocol.CClose, protocol.Close{}}}, true
		}
		c.mu.Lock()
		c.ifInfo = p.IfInfo
		c.mu.Unlock()
		c.sess.MarkConnected()
		c.sess.MarkAuthenticated(p.IfInfo)
		if c.onAuthOk != nil {
			c.onAuthOk(p.IfInfo)
		}
		return nil, false

	case protocol.AuthReject:
		_, _ = c.fsm.Fire(session.EventAuthBad)
		return nil, true

	case protocol.IfaceData:
		if _, err := c.fsm.Fire(session.EventIfaceData); err != nil {
			c.sess.RecordError()
			return nil, false
		}
		c.sess.RecordRecv(uint32(len(p.Frame)))
		_, _ = c.device.Write(p.Frame)
		return nil, false

	case protocol.Reqsync:
		if _, err := c.fsm.Fire(session.EventReqsync); err != nil {
			c.sess.RecordError()
			return nil, false
		}
		c.sess.ResetError()
		return []outFrame{{protocol.CReqsync, protocol.Reqsync{}}}, false

	case protocol.Close:
		_, _ = c.fsm.Fire(session.EventCloseOrError)
		return nil, true

	case protocol.Nop:
		return nil, false
	}
	return nil, false
}

// IfInfo returns the interface parameters the server assigned on
// successful auth (zero value until then).
func (c *Client) IfInfo() protocol.IfInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ifInfo
}

package routing

import (
	"errors"
	"net"
	"sync"

	"github.com/Zxce3/teavpn2/application"
	"github.com/Zxce3/teavpn2/internal/config"
	"github.com/Zxce3/teavpn2/internal/ipheader"
	"github.com/Zxce3/teavpn2/internal/protocol"
	"github.com/Zxce3/teavpn2/internal/session"
	"github.com/Zxce3/teavpn2/internal/sessiontable"
)

// newServerMachine returns a session.Machine already advanced past
// "fresh" for a just-accepted connection (the socket being ready is
// itself the first transition).
func newServerMachine() *session.Machine {
	m := session.NewMachine()
	_, _ = m.Fire(session.EventSocketReady)
	return m
}

// isNeedMore reports whether err is protocol.NeedMoreError, i.e. the
// caller should read more bytes before decoding again.
func isNeedMore(err error) bool {
	var needMore *protocol.NeedMoreError
	return errors.As(err, &needMore)
}

// destinationAddress is a small wrapper kept in this package so
// server_linux.go doesn't need its own ipheader import alongside
// server.go's.
func destinationAddress(frame []byte) ([4]byte, error) {
	return ipheader.DestinationAddress(frame)
}

// Server is the server-side routing logic: it drives the accept loop,
// one session.Machine + protocol.StreamDecoder per connection, and the
// TUN <-> socket frame bridge. Session bookkeeping goes through the
// fixed-capacity internal/sessiontable.Table rather than a map, so
// lookups and slot reuse stay O(1) regardless of connection count.
type Server struct {
	cfg    *config.Config
	logger application.Logger
	table  *sessiontable.Table
	device application.Device
	crypto application.CryptographyService

	current, min, max protocol.Version
	hasMin, hasMax     bool

	baseNet [3]byte
	netmask [4]byte
	gateway [4]byte

	mu            sync.Mutex
	conns         map[int]*connState
	nextHostOctet byte
}

// connState is the per-connection bundle the server's read handler
// looks up by fd on every readable event. done is closed exactly once,
// by closeConn, to stop that connection's deadline-supervision
// goroutine.
type connState struct {
	sess *session.Session
	fsm  *session.Machine
	dec  *protocol.StreamDecoder
	done chan struct{}
}

// outFrame is an encode-and-enqueue instruction decideOnClientFrame
// hands back to the transport-level caller, which performs the actual
// protocol.Encode + engine.EnqueueWrite (those need the connection's
// fd, which pure decision logic shouldn't have to know about).
type outFrame struct {
	Type    byte
	Payload protocol.Payload
}

// NewServer builds server routing logic bound to cfg's iface
// parameters. cfg.IfaceIPv4 is the server's own virtual address; it
// also seeds the IP pool's /24 (last octet) handed out to clients.
func NewServer(cfg *config.Config, logger application.Logger, table *sessiontable.Table, device application.Device, crypto application.CryptographyService) *Server {
	s := &Server{
		cfg:           cfg,
		logger:        logger,
		table:         table,
		device:        device,
		crypto:        crypto,
		current:       protocol.NewVersion(0, 1, 0, ""),
		nextHostOctet: 2, // .1 is reserved for the gateway
		conns:         make(map[int]*connState),
	}
	if ip := net.ParseIP(cfg.IfaceIPv4).To4(); ip != nil {
		copy(s.baseNet[:], ip[:3])
	}
	if ip := net.ParseIP(cfg.IfaceNetmask).To4(); ip != nil {
		copy(s.netmask[:], ip)
	}
	if ip := net.ParseIP(cfg.IfaceGateway).To4(); ip != nil {
		copy(s.gateway[:], ip)
	}
	return s
}

// allocateIP hands out the next free host address (.2 to .254) in the
// server's configured /24, in authentication order: the counter wraps
// after .254 and skips addresses still bound in the session table, so
// released addresses are handed out again. When all 253 addresses are
// bound, the address returned is already in use and BindIP rejects it.
func (s *Server) allocateIP() [4]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ip [4]byte
	for i := 0; i < 253; i++ {
		ip = [4]byte{s.baseNet[0], s.baseNet[1], s.baseNet[2], s.nextHostOctet}
		if s.nextHostOctet < 254 {
			s.nextHostOctet++
		} else {
			s.nextHostOctet = 2
		}
		if _, err := s.table.ByIP(ip); err != nil {
			break
		}
	}
	return ip
}

// decideOnClientFrame implements the server side of the per-frame
// action table: given the connection's current state and a decoded
// client frame, it advances the state machine, performs whatever
// side effect the transition calls for (IP allocation, TUN write), and
// returns frames to send back plus whether the connection must close.
func (s *Server) decideOnClientFrame(st *connState, frame protocol.Frame) ([]outFrame, bool) {
	switch p := frame.Payload.(type) {
	case protocol.ClientHandshake:
		ev := session.EventHandshakeBad
		compatible := protocol.Compatible(p.Current, s.current, s.min, s.max, s.hasMin, s.hasMax)
		if compatible {
			ev = session.EventHandshakeOK
		}
		if _, err := st.fsm.Fire(ev); err != nil {
			return []outFrame{{protocol.SClose, protocol.Close{}}}, true
		}
		if !compatible {
			return []outFrame{{protocol.SClose, protocol.Close{}}}, true
		}
		return nil, false

	case protocol.Auth:
		ev := session.EventAuthBad
		authOK := p.Username == s.cfg.Credentials.Username && p.Password == s.cfg.Credentials.Password
		if authOK {
			ev = session.EventAuthOK
		}
		// Fire before allocating a new IP so a replayed or out-of-order
		// AUTH (e.g. one arriving after the session is already active)
		// is rejected as an illegal transition instead of handing out
		// and binding a second address for the same session.
		if _, err := st.fsm.Fire(ev); err != nil {
			return []outFrame{{protocol.SClose, protocol.Close{}}}, true
		}
		if !authOK {
			return []outFrame{{protocol.SAuthReject, protocol.AuthReject{}}}, true
		}
		ip := s.allocateIP()
		info := protocol.IfInfo{IPv4: ip, Netmask: s.netmask, MTU: s.cfg.IfaceMTU, Gateway: s.gateway}
		st.sess.MarkConnected()
		st.sess.MarkAuthenticated(info)
		if err := s.table.BindIP(st.sess, ip); err != nil {
			_, _ = st.fsm.Fire(session.EventCloseOrError)
			return []outFrame{{protocol.SAuthReject, protocol.AuthReject{}}}, true
		}
		return []outFrame{{protocol.SAuthOk, protocol.AuthOk{IfInfo: info}}}, false

	case protocol.IfaceData:
		// Only a session the FSM considers active may push frames to
		// the TUN device; a pre-auth IFACE_DATA (whose InternalIP is
		// still the zero value) would otherwise pass the source check
		// below by forging src=0.0.0.0.
		if _, err := st.fsm.Fire(session.EventIfaceData); err != nil {
			st.sess.RecordError()
			return nil, false
		}
		src, err := ipheader.SourceAddress(p.Frame)
		if err != nil || src != st.sess.InternalIP() {
			st.sess.RecordError()
			return nil, false
		}
		st.sess.RecordRecv(uint32(len(p.Frame)))
		_, _ = s.device.Write(p.Frame)
		return nil, false

	case protocol.Reqsync:
		if _, err := st.fsm.Fire(session.EventReqsync); err != nil {
			st.sess.RecordError()
			return nil, false
		}
		st.sess.ResetError()
		return nil, false

	case protocol.Close:
		_, _ = st.fsm.Fire(session.EventCloseOrError)
		return nil, true

	case protocol.Nop:
		return nil, false
	}
	return nil, false
}

//go:build linux

package routing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Zxce3/teavpn2/internal/engine"
	"github.com/Zxce3/teavpn2/internal/protocol"
	"github.com/Zxce3/teavpn2/internal/session"
	"github.com/Zxce3/teavpn2/internal/sessiontable"
)

type serverLinux struct {
	*Server

	eng      engine.Engine
	listenFD int
	stopTun  chan struct{}
}

// NewServerSession adapts Server to lifecycle.Session by wiring it to a
// concrete engine.Engine over raw Linux sockets.
func NewServerSession(s *Server) *serverLinux {
	return &serverLinux{Server: s, listenFD: -1}
}

// Start implements lifecycle.Session: it opens the listening socket,
// registers it with eng, and launches the TUN read loop that forwards
// tunneled frames to the session owning their destination address.
func (s *serverLinux) Start(ctx context.Context, eng engine.Engine) error {
	s.eng = eng

	fd, err := listen(s.cfg.Socket, s.cfg.BindAddress, s.cfg.BindPort, s.cfg.Backlog)
	if err != nil {
		return fmt.Errorf("routing: server listen: %w", err)
	}
	s.listenFD = fd

	if err := eng.Register(fd, s.handleListenReadable); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("routing: registering listener: %w", err)
	}

	s.stopTun = make(chan struct{})
	go s.tunReadLoop()

	<-ctx.Done()
	return ctx.Err()
}

// Stop closes the listening socket and every live connection.
func (s *serverLinux) Stop() error {
	if s.stopTun != nil {
		close(s.stopTun)
	}
	if s.listenFD >= 0 {
		s.eng.Deregister(s.listenFD)
		_ = unix.Close(s.listenFD)
		s.listenFD = -1
	}

	s.mu.Lock()
	conns := make(map[int]*connState, len(s.conns))
	for fd, st := range s.conns {
		conns[fd] = st
	}
	s.mu.Unlock()

	for fd, st := range conns {
		s.closeConn(fd, st)
	}
	return nil
}

func (s *serverLinux) handleListenReadable(fd int) error {
	for {
		connFD, err := acceptOne(fd)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return nil
			}
			s.logger.Errorf("routing: accept: %v", err)
			return nil
		}
		s.onAccepted(connFD)
	}
}

func (s *serverLinux) onAccepted(fd int) {
	sess, err := s.table.Acquire()
	if err != nil {
		s.logger.Errorf("routing: server full, rejecting new connection")
		_ = unix.Close(fd)
		return
	}
	sess.BindFD(fd)
	s.table.BindFD(sess, fd)

	st := &connState{
		sess: sess,
		fsm:  newServerMachine(),
		dec:  protocol.NewStreamDecoder(protocol.ClientToServer),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	s.conns[fd] = st
	s.mu.Unlock()

	go s.superviseConn(fd, st)

	if err := s.eng.Register(fd, s.makeReadHandler(fd)); err != nil {
		s.logger.Errorf("routing: registering conn fd %d: %v", fd, err)
		s.closeConn(fd, st)
		return
	}

	hs := protocol.ServerHandshake{
		NeedEncryption: s.cfg.NeedEncryption,
		HasMin:         s.hasMin,
		HasMax:         s.hasMax,
		Current:        s.current,
		Min:            s.min,
		Max:            s.max,
	}
	if err := s.sendFrame(fd, protocol.SHandshake, hs); err != nil {
		s.logger.Errorf("routing: sending handshake to fd %d: %v", fd, err)
		s.closeConn(fd, st)
	}
}

func (s *serverLinux) makeReadHandler(fd int) engine.ReadHandler {
	return func(fd int) error {
		s.mu.Lock()
		st := s.conns[fd]
		s.mu.Unlock()
		if st == nil {
			return nil
		}

		for {
			buf := st.dec.FreeSpace()
			if len(buf) == 0 {
				s.logger.Errorf("routing: fd %d: frame exceeds buffer before completing", fd)
				s.closeConn(fd, st)
				return nil
			}
			n, err := unix.Read(fd, buf)
			if err != nil {
				if errors.Is(err, unix.EAGAIN) {
					return nil
				}
				if errors.Is(err, unix.EINTR) {
					continue
				}
				s.closeConn(fd, st)
				return nil
			}
			if n == 0 {
				s.closeConn(fd, st)
				return nil
			}
			st.dec.Fill(n)

			for {
				frame, err := st.dec.Next()
				if err != nil {
					if isNeedMore(err) {
						break
					}
					st.sess.RecordError()
					s.closeConn(fd, st)
					return nil
				}
				responses, closeConn := s.decideOnClientFrame(st, frame)
				for _, r := range responses {
					if err := s.sendFrame(fd, r.Type, r.Payload); err != nil {
						if errors.Is(err, engine.ErrOutboxFull) {
							// Oldest queued frame was dropped to make
							// room; the session stays up, shedding
							// backlog rather than being torn down.
							st.sess.RecordError()
							continue
						}
						closeConn = true
						break
					}
				}
				if closeConn || st.sess.IsExpired(s.cfg.ErrorThreshold) {
					s.closeConn(fd, st)
					return nil
				}
			}
		}
	}
}

func (s *serverLinux) sendFrame(fd int, typ byte, payload protocol.Payload) error {
	buf, err := protocol.Encode(typ, payload)
	if err != nil {
		return err
	}
	return s.eng.EnqueueWrite(fd, buf)
}

// closeConn is idempotent: the read handler and the deadline
// supervisor can each race to close the same connection, so only the
// caller that wins the s.conns removal performs the actual teardown.
func (s *serverLinux) closeConn(fd int, st *connState) {
	s.mu.Lock()
	cur, ok := s.conns[fd]
	if !ok || cur != st {
		s.mu.Unlock()
		return
	}
	delete(s.conns, fd)
	s.mu.Unlock()

	close(st.done)
	s.eng.Deregister(fd)
	_ = unix.Close(fd)
	s.table.Release(st.sess)
}

// superviseConn enforces the handshake/auth connect deadline and
// drives the idle-probe/REQSYNC cycle for one connection, independent
// of whatever traffic the engine happens to deliver on fd.
func (s *serverLinux) superviseConn(fd int, st *connState) {
	ticker := time.NewTicker(supervisionInterval(s.cfg))
	defer ticker.Stop()
	for {
		select {
		case <-st.done:
			return
		case <-ticker.C:
			if s.checkConnDeadlines(fd, st) {
				return
			}
		}
	}
}

// checkConnDeadlines reports whether it closed the connection.
func (s *serverLinux) checkConnDeadlines(fd int, st *connState) bool {
	switch st.fsm.State() {
	case session.StateAwaitingHandshake, session.StateAwaitingAuth:
		limit := time.Duration(s.cfg.Timeouts.ConnectMs) * time.Millisecond
		if st.sess.Age() > limit {
			s.logger.Errorf("routing: fd %d: handshake/auth timed out after %s", fd, limit)
			_ = s.sendFrame(fd, protocol.SClose, protocol.Close{})
			s.closeConn(fd, st)
			return true
		}
	case session.StateActive:
		idleLimit := time.Duration(s.cfg.Timeouts.IdleMs) * time.Millisecond
		switch st.sess.CheckIdle(idleLimit) {
		case "probe":
			if err := s.sendFrame(fd, protocol.SReqsync, protocol.Reqsync{}); err != nil {
				if errors.Is(err, engine.ErrOutboxFull) {
					st.sess.RecordError()
					break
				}
				s.closeConn(fd, st)
				return true
			}
		case "missed":
			st.sess.RecordError()
			if st.sess.IsExpired(s.cfg.ErrorThreshold) {
				s.closeConn(fd, st)
				return true
			}
		}
	}
	return false
}

// tunReadLoop pulls decoded IPv4 frames off the TUN device and forwards
// each to the session bound to its destination address: the
// IFACE_DATA routing step.
func (s *serverLinux) tunReadLoop() {
	buf := make([]byte, 65536)
	for {
		select {
		case <-s.stopTun:
			return
		default:
		}

		n, err := s.device.Read(buf)
		if err != nil {
			return
		}

		dst, err := destinationAddress(buf[:n])
		if err != nil {
			continue
		}
		sess, err := s.table.ByIP(dst)
		if err != nil {
			if errors.Is(err, sessiontable.ErrUnknown) {
				continue
			}
			continue
		}

		frame, err := protocol.Encode(protocol.SIfaceData, protocol.IfaceData{Frame: append([]byte(nil), buf[:n]...)})
		if err != nil {
			continue
		}
		if err := s.eng.EnqueueWrite(sess.FD(), frame); err != nil {
			sess.RecordError()
			if !errors.Is(err, engine.ErrOutboxFull) {
				continue
			}
		}
		sess.RecordSend(uint32(n))
	}
}

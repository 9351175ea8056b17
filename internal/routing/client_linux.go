//go:build linux

package routing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Zxce3/teavpn2/internal/backoff"
	"github.com/Zxce3/teavpn2/internal/engine"
	"github.com/Zxce3/teavpn2/internal/protocol"
	"github.com/Zxce3/teavpn2/internal/session"
	"github.com/Zxce3/teavpn2/internal/tundevice"
)

type clientLinux struct {
	*Client

	eng     engine.Engine
	fd      int
	stopTun chan struct{}

	// done and stopOnce bound the current connection's deadline
	// supervisor; both are recreated in connect on every dial,
	// including reconnects. fatal carries a supervisor-detected
	// deadline failure back to Start.
	done     chan struct{}
	stopOnce sync.Once
	fatal    chan error
}

// NewClientSession adapts Client to lifecycle.Session over a raw Linux
// socket, with reconnect-with-backoff applied around dial.
func NewClientSession(c *Client) *clientLinux {
	return &clientLinux{Client: c, fd: -1}
}

// Start implements lifecycle.Session: dials the server (retrying with
// backoff if cfg.Reconnect.Enabled), registers the connection with
// eng, and runs the TUN read loop until ctx is canceled.
func (c *clientLinux) Start(ctx context.Context, eng engine.Engine) error {
	c.eng = eng
	c.onAuthOk = func(info protocol.IfInfo) {
		if err := tundevice.Configure(c.cfg.IfaceName, info); err != nil {
			c.logger.Errorf("routing: applying assigned interface config: %v", err)
		}
	}

	c.fatal = make(chan error, 1)

	connect := func(ctx context.Context) error {
		fd, err := dial(c.cfg.Socket, c.cfg.ConnectAddress, c.cfg.ConnectPort)
		if err != nil {
			return err
		}
		c.fd = fd
		c.fsm = session.NewMachine()
		_, _ = c.fsm.Fire(session.EventSocketReady)
		c.sess.BindFD(fd)
		if err := eng.Register(fd, c.handleReadable); err != nil {
			return err
		}
		c.done = make(chan struct{})
		c.stopOnce = sync.Once{}
		go c.superviseConn()
		return nil
	}

	var err error
	if c.cfg.Reconnect.Enabled {
		policy := backoff.NewPolicy(c.cfg.Reconnect.MaxRetries)
		err = policy.Run(ctx, connect)
	} else {
		err = connect(ctx)
	}
	if err != nil {
		return fmt.Errorf("routing: client connect: %w", err)
	}

	hs := protocol.ClientHandshake{Current: c.current}
	if err := c.sendFrame(protocol.CHandshake, hs); err != nil {
		return fmt.Errorf("routing: sending handshake: %w", err)
	}

	c.stopTun = make(chan struct{})
	go c.tunReadLoop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-c.fatal:
		return err
	}
}

// Stop closes the client's connection and TUN forwarding loop.
func (c *clientLinux) Stop() error {
	if c.stopTun != nil {
		close(c.stopTun)
	}
	c.closeConn(nil)
	return nil
}

// closeConn is idempotent per connection attempt: the read handler and
// the deadline supervisor can each race to tear down the same
// connection. Only the first caller performs the teardown; if err is
// non-nil it is handed to Start so the controller sees why the
// connection ended.
func (c *clientLinux) closeConn(err error) {
	c.stopOnce.Do(func() {
		if c.done != nil {
			close(c.done)
		}
		if c.fd >= 0 {
			c.eng.Deregister(c.fd)
			_ = unix.Close(c.fd)
			c.fd = -1
		}
		if err != nil {
			select {
			case c.fatal <- err:
			default:
			}
		}
	})
}

// superviseConn enforces the handshake/auth connect deadline and drives
// the idle-probe/REQSYNC cycle for the current connection, independent
// of whatever traffic the engine happens to deliver.
func (c *clientLinux) superviseConn() {
	done := c.done
	ticker := time.NewTicker(supervisionInterval(c.cfg))
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if c.checkConnDeadlines() {
				return
			}
		}
	}
}

// checkConnDeadlines reports whether it closed the connection.
func (c *clientLinux) checkConnDeadlines() bool {
	switch c.fsm.State() {
	case session.StateAwaitingHandshake, session.StateAwaitingAuth:
		limit := time.Duration(c.cfg.Timeouts.ConnectMs) * time.Millisecond
		if c.sess.Age() > limit {
			c.logger.Errorf("routing: handshake/auth timed out after %s", limit)
			_ = c.sendFrame(protocol.CClose, protocol.Close{})
			c.closeConn(fmt.Errorf("routing: client handshake/auth timed out after %s", limit))
			return true
		}
	case session.StateActive:
		idleLimit := time.Duration(c.cfg.Timeouts.IdleMs) * time.Millisecond
		switch c.sess.CheckIdle(idleLimit) {
		case "probe":
			if err := c.sendFrame(protocol.CReqsync, protocol.Reqsync{}); err != nil {
				if errors.Is(err, engine.ErrOutboxFull) {
					c.sess.RecordError()
					break
				}
				c.closeConn(err)
				return true
			}
		case "missed":
			c.sess.RecordError()
			if c.sess.IsExpired(c.cfg.ErrorThreshold) {
				c.closeConn(errors.New("routing: client session exceeded error threshold"))
				return true
			}
		}
	}
	return false
}

func (c *clientLinux) sendFrame(typ byte, payload protocol.Payload) error {
	buf, err := protocol.Encode(typ, payload)
	if err != nil {
		return err
	}
	return c.eng.EnqueueWrite(c.fd, buf)
}

func (c *clientLinux) handleReadable(fd int) error {
	for {
		buf := c.dec.FreeSpace()
		if len(buf) == 0 {
			c.logger.Errorf("routing: fd %d: frame exceeds buffer before completing", fd)
			c.closeConn(errors.New("routing: oversized frame"))
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
			c.closeConn(err)
			return nil
		}
		if n == 0 {
			c.closeConn(errors.New("routing: server closed connection"))
			return nil
		}
		c.dec.Fill(n)

		for {
			frame, err := c.dec.Next()
			if err != nil {
				if isNeedMore(err) {
					break
				}
				c.sess.RecordError()
				c.closeConn(err)
				return nil
			}
			responses, closeConn := c.decideOnServerFrame(frame)
			for _, r := range responses {
				if err := c.sendFrame(r.Type, r.Payload); err != nil {
					if errors.Is(err, engine.ErrOutboxFull) {
						c.sess.RecordError()
						continue
					}
					c.closeConn(err)
					return nil
				}
			}
			if closeConn || c.sess.IsExpired(c.cfg.ErrorThreshold) {
				c.closeConn(errors.New("routing: server requested close"))
				return nil
			}
		}
	}
}

// tunReadLoop() forwards every frame read off the local TUN device to the
// server as an IFACE_DATA frame.
func (c *clientLinux) tunReadLoop() {
	buf := make([]byte, 65536)
	for {
		select {
		case <-c.stopTun:
			return
		default:
		}

		n, err := c.device.Read(buf)
		if err != nil {
			return
		}

		frame, err := protocol.Encode(protocol.CIfaceData, protocol.IfaceData{Frame: append([]byte(nil), buf[:n]...)})
		if err != nil {
			continue
		}
		if err := c.eng.EnqueueWrite(c.fd, frame); err != nil {
			c.sess.RecordError()
			if !errors.Is(err, engine.ErrOutboxFull) {
				continue
			}
		}
		c.sess.RecordSend(uint32(n))
	}
}

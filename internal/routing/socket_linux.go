//go:build linux

// Package routing implements the server and client session logic that
// sits between internal/engine (raw readiness) and internal/protocol
// (the wire codec): accepting connections, driving each session's
// internal/session state machine, and moving tunneled frames between a
// socket fd and the TUN device. Sockets are raw fds rather than
// net.Conn since the engine is epoll/fd based, not
// goroutine-per-connection.
package routing

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/Zxce3/teavpn2/internal/config"
)

// listen creates a non-blocking listening socket for socket (TCP) or a
// non-blocking bound socket ready for recvfrom (UDP).
func listen(socket config.SocketType, addr string, port uint16, backlog int) (int, error) {
	domain := unix.AF_INET
	typ := unix.SOCK_STREAM
	if socket == config.UDP {
		typ = unix.SOCK_DGRAM
	}
	fd, err := unix.Socket(domain, typ|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("routing: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("routing: SO_REUSEADDR: %w", err)
	}

	sa, err := sockaddr(addr, port)
	if err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("routing: bind: %w", err)
	}
	if socket == config.TCP {
		if err := unix.Listen(fd, backlog); err != nil {
			_ = unix.Close(fd)
			return -1, fmt.Errorf("routing: listen: %w", err)
		}
	}
	return fd, nil
}

// dial creates a non-blocking connected TCP socket, or a "connected"
// UDP socket (so Read()/Write work without an explicit peer address).
func dial(socket config.SocketType, addr string, port uint16) (int, error) {
	domain := unix.AF_INET
	typ := unix.SOCK_STREAM
	if socket == config.UDP {
		typ = unix.SOCK_DGRAM
	}
	fd, err := unix.Socket(domain, typ|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("routing: socket: %w", err)
	}
	sa, err := sockaddr(addr, port)
	if err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	if err := unix.Connect(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("routing: connect: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("routing: set nonblocking: %w", err)
	}
	return fd, nil
}

func sockaddr(addr string, port uint16) (unix.Sockaddr, error) {
	ip := net.ParseIP(addr)
	if addr == "" {
		ip = net.IPv4zero
	}
	if ip == nil {
		return nil, fmt.Errorf("routing: invalid address %q", addr)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("routing: only IPv4 addresses are supported, got %q", addr)
	}
	sa := &unix.SockaddrInet4{Port: int(port)}
	copy(sa.Addr[:], ip4)
	return sa, nil
}

func acceptOne(listenFD int) (int, error) {
	connFD, _, err := unix.Accept4(listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, err
	}
	return connFD, nil
}

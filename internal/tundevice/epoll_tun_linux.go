//go:build linux

// Package tundevice wraps a TUN file descriptor handed to the core by
// an external collaborator (the engine does not itself create the
// device) behind application.Device, using epoll(7) so Read/Write
// never block a goroutine indefinitely. It uses split epoll instances
// for read- and write-readiness, since EPOLLOUT on a TUN fd is almost
// always asserted and would otherwise spin a single combined epoll set
// hot while waiting on EPOLLIN.
package tundevice

import (
	"errors"
	"io"
	"os"
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/Zxce3/teavpn2/application"
)

// device wraps a duplicated non-blocking TUN fd and two epoll
// instances: epIn watches EPOLLIN|ERR|HUP, epOut watches
// EPOLLOUT|ERR|HUP. Read() and Write may run concurrently on the same
// device; concurrent calls to the same method on one device may not.
// bytesRead and bytesWritten are exposed through Stats(), and Close
// logs them once when the device is closed.
type device struct {
	fd     int
	epIn   int
	epOut  int
	closed atomic.Bool
	logger application.Logger

	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
}

var _ application.Device = (*device)(nil)

// NewEpollDevice takes ownership of f on success, closing f and
// returning an application.Device backed by a duplicated, non-blocking
// fd. On error, ownership remains with the caller. logger may be nil,
// in which case the device stays silent about I/O errors it would
// otherwise report.
func NewEpollDevice(f *os.File, logger application.Logger) (application.Device, error) {
	if f == nil {
		return nil, errors.New("tundevice: nil file")
	}
	orig := int(f.Fd())

	dup, err := unix.Dup(orig)
	if err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(dup, true); err != nil {
		_ = unix.Close(dup)
		return nil, err
	}
	if _, err := unix.FcntlInt(uintptr(dup), unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
		_ = unix.Close(dup)
		return nil, err
	}

	epIn, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		_ = unix.Close(dup)
		return nil, err
	}
	epOut, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		_ = unix.Close(epIn)
		_ = unix.Close(dup)
		return nil, err
	}

	inEv := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLERR | unix.EPOLLHUP, Fd: int32(dup)}
	if err := unix.EpollCtl(epIn, unix.EPOLL_CTL_ADD, dup, &inEv); err != nil {
		_ = unix.Close(epOut)
		_ = unix.Close(epIn)
		_ = unix.Close(dup)
		return nil, err
	}

	outEv := unix.EpollEvent{Events: unix.EPOLLOUT | unix.EPOLLERR | unix.EPOLLHUP, Fd: int32(dup)}
	if err := unix.EpollCtl(epOut, unix.EPOLL_CTL_ADD, dup, &outEv); err != nil {
		_ = unix.Close(epOut)
		_ = unix.Close(epIn)
		_ = unix.Close(dup)
		return nil, err
	}

	_ = f.Close()
	runtime.KeepAlive(f)

	return &device{fd: dup, epIn: epIn, epOut: epOut, logger: logger}, nil
}

// Read() reads one IPv4 frame (or less if p is smaller), blocking in
// epoll_wait on EAGAIN. Returns io.ErrClosedPipe once closed.
func (d *device) Read(p []byte) (int, error) {
	if d.closed.Load() {
		return 0, io.ErrClosedPipe
	}
	for {
		n, err := unix.Read(d.fd, p)
		if err == nil {
			d.bytesRead.Add(uint64(n))
			return n, nil
		}
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK):
			if err := d.waitEvent(d.epIn, unix.EPOLLIN); err != nil {
				return 0, err
			}
			continue
		case errors.Is(err, unix.EBADF):
			return 0, io.ErrClosedPipe
		default:
			d.logErrorf("tundevice: read: %v", err)
			return 0, err
		}
	}
}

// Write writes one IPv4 frame, handling partial writes and EAGAIN by
// waiting on epOut. Returns io.ErrClosedPipe once closed.
func (d *device) Write(p []byte) (int, error) {
	if d.closed.Load() {
		return 0, io.ErrClosedPipe
	}
	total := 0
	for total < len(p) {
		n, err := unix.Write(d.fd, p[total:])
		if err == nil {
			if n == 0 {
				if err := d.waitEvent(d.epOut, unix.EPOLLOUT); err != nil {
					return total, err
				}
				continue
			}
			total += n
			d.bytesWritten.Add(uint64(n))
			continue
		}
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK):
			if err := d.waitEvent(d.epOut, unix.EPOLLOUT); err != nil {
				return total, err
			}
			continue
		case errors.Is(err, unix.EBADF):
			return total, io.ErrClosedPipe
		default:
			d.logErrorf("tundevice: write: %v", err)
			return total, err
		}
	}
	return total, nil
}

// Close closes the epoll instances first so any blocked epoll_wait
// returns, then the data fd. Safe to call more than once.
func (d *device) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	var firstErr error
	if err := unix.Close(d.epIn); err != nil {
		firstErr = err
	}
	if err := unix.Close(d.epOut); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := unix.Close(d.fd); err != nil && firstErr == nil {
		firstErr = err
	}
	read, written := d.Stats()
	if d.logger != nil {
		d.logger.Infof("tundevice: closed (read %d bytes, wrote %d bytes)", read, written)
	}
	return firstErr
}

// Fd() exposes the duplicated fd this device owns, for the engine to
// register in its own epoll set.
func (d *device) Fd() uintptr { return uintptr(d.fd) }

// Stats returns the cumulative bytes moved through this device since
// it was opened.
func (d *device) Stats() (read, written uint64) {
	return d.bytesRead.Load(), d.bytesWritten.Load()
}

// waitEvent blocks in epoll_wait on epfd until want is asserted,
// io.EOF on a hangup/error condition, or io.ErrClosedPipe once the
// device has been closed out from under the caller. Read and Write
// both call this with their respective epoll instance and event bit;
// epIn and epOut never share a wait loop so a write stall can't hold
// up a pending read or vice versa.
func (d *device) waitEvent(epfd int, want uint32) error {
	var evs [1]unix.EpollEvent
	for {
		n, err := unix.EpollWait(epfd, evs[:], -1)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			if errors.Is(err, unix.EBADF) || d.closed.Load() {
				return io.ErrClosedPipe
			}
			d.logErrorf("tundevice: epoll_wait: %v", err)
			return err
		}
		if n <= 0 {
			continue
		}
		ev := evs[0].Events
		if ev&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			return io.EOF
		}
		if ev&want != 0 {
			return nil
		}
	}
}

func (d *device) logErrorf(format string, args ...any) {
	if d.logger != nil {
		d.logger.Errorf(format, args...)
	}
}

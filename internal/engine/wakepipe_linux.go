//go:build linux

package engine

import "golang.org/x/sys/unix"

// wakePipe lets a caller interrupt a worker's blocked epoll_wait on
// demand: the worker's epoll set always includes the pipe's read end,
// so a caller that changes the worker's interest set
// (Register/Deregister/EnqueueWrite) or requests shutdown can interrupt
// an in-progress epoll_wait(-1) instead of waiting for unrelated I/O.
type wakePipe struct {
	r, w int
}

func newWakePipe() (*wakePipe, error) {
	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, err
	}
	return &wakePipe{r: fds[0], w: fds[1]}, nil
}

func (p *wakePipe) signal() {
	var b [1]byte
	_, _ = unix.Write(p.w, b[:])
}

// drain empties the pipe after a wake-up event; multiple signal
// calls between drains coalesce into one wake-up, which is fine since
// a woken worker always re-scans its full interest set.
func (p *wakePipe) drain() {
	var buf [64]byte
	for {
		n, err := unix.Read(p.r, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (p *wakePipe) close() {
	_ = unix.Close(p.r)
	_ = unix.Close(p.w)
}

//go:build linux

package engine

import (
	"errors"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/Zxce3/teavpn2/application"
)

// outbox is a session's bounded outbound queue (
// back-pressure). EnqueueWrite appends; the worker drains it on
// EPOLLOUT readiness.
type outbox struct {
	frames [][]byte
	depth  int
}

func newOutbox(depth int) *outbox { return &outbox{depth: depth} }

// push appends frame to the queue. If the queue is already at depth,
// the oldest queued frame is dropped to make room rather than
// rejecting the new one: the session sheds backlog but stays alive.
// Reports true when a drop occurred so the caller can account for it.
func (o *outbox) push(frame []byte) (dropped bool) {
	if len(o.frames) >= o.depth {
		o.frames = o.frames[1:]
		dropped = true
	}
	o.frames = append(o.frames, frame)
	return dropped
}

func (o *outbox) peek() ([]byte, bool) {
	if len(o.frames) == 0 {
		return nil, false
	}
	return o.frames[0], true
}

func (o *outbox) popFront() {
	if len(o.frames) == 0 {
		return
	}
	o.frames = o.frames[1:]
}

func (o *outbox) empty() bool { return len(o.frames) == 0 }

// epollWorker owns one epoll instance and a share of the session fds
// the engine has registered. It is never re-entered concurrently on
// its own run loop, but its bookkeeping maps are touched by whichever
// goroutine calls Register/Deregister/EnqueueWrite, so they're behind
// mu.
type epollWorker struct {
	id   int
	epfd int
	wake *wakePipe

	mu       sync.Mutex
	handlers map[int]ReadHandler
	outboxes map[int]*outbox
	writable map[int]bool // fd currently armed for EPOLLOUT

	done chan struct{}
	stop chan struct{}
}

func newEpollWorker(id int) (*epollWorker, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wp, err := newWakePipe()
	if err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}
	w := &epollWorker{
		id:       id,
		epfd:     epfd,
		wake:     wp,
		handlers: make(map[int]ReadHandler),
		outboxes: make(map[int]*outbox),
		writable: make(map[int]bool),
		done:     make(chan struct{}),
		stop:     make(chan struct{}),
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wp.r)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wp.r, &ev); err != nil {
		wp.close()
		_ = unix.Close(epfd)
		return nil, err
	}
	return w, nil
}

func (w *epollWorker) register(fd int, handler ReadHandler, outboxDepth int) error {
	w.mu.Lock()
	w.handlers[fd] = handler
	w.outboxes[fd] = newOutbox(outboxDepth)
	w.mu.Unlock()

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	return unix.EpollCtl(w.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (w *epollWorker) deregister(fd int) {
	w.mu.Lock()
	_, tracked := w.handlers[fd]
	delete(w.handlers, fd)
	delete(w.outboxes, fd)
	delete(w.writable, fd)
	w.mu.Unlock()
	if tracked {
		_ = unix.EpollCtl(w.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	}
}

// enqueueWrite queues frame for fd. When the queue is already full the
// oldest queued frame is dropped to make room; ErrOutboxFull is
// returned in that case purely to tell the caller a frame was shed
// (so it can account the drop against the session), not to reject
// this write — frame is enqueued either way.
func (w *epollWorker) enqueueWrite(fd int, frame []byte) error {
	w.mu.Lock()
	box, ok := w.outboxes[fd]
	if !ok {
		w.mu.Unlock()
		return ErrUnknownFD
	}
	dropped := box.push(frame)
	alreadyWritable := w.writable[fd]
	w.writable[fd] = true
	w.mu.Unlock()

	if !alreadyWritable {
		ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLOUT, Fd: int32(fd)}
		if err := unix.EpollCtl(w.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
			return err
		}
	}
	if dropped {
		return ErrOutboxFull
	}
	return nil
}

func (w *epollWorker) disarmWritable(fd int) {
	w.mu.Lock()
	if !w.writable[fd] {
		w.mu.Unlock()
		return
	}
	w.writable[fd] = false
	w.mu.Unlock()
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	_ = unix.EpollCtl(w.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// run is the worker's main() loop: epoll_wait, dispatch. It exits when
// the stop channel is closed and the wake pipe has been signaled, or
// on a fatal epoll error.
func (w *epollWorker) run(logger application.Logger) {
	defer close(w.done)
	events := make([]unix.EpollEvent, 64)
	for {
		n, err := unix.EpollWait(w.epfd, events, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.EBADF) {
				return
			}
			if logger != nil {
				logger.Errorf("engine: worker %d epoll_wait: %v", w.id, err)
			}
			return
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == w.wake.r {
				w.wake.drain()
				select {
				case <-w.stop:
					return
				default:
				}
				continue
			}
			ev := events[i].Events
			if ev&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				w.invokeHandlerOnError(fd, logger)
				continue
			}
			if ev&unix.EPOLLOUT != 0 {
				w.flush(fd, logger)
			}
			if ev&unix.EPOLLIN != 0 {
				w.invokeHandler(fd, logger)
			}
		}
	}
}

func (w *epollWorker) invokeHandler(fd int, logger application.Logger) {
	w.mu.Lock()
	handler, ok := w.handlers[fd]
	w.mu.Unlock()
	if !ok {
		return
	}
	if err := handler(fd); err != nil {
		if logger != nil {
			logger.Errorf("engine: fd %d handler: %v", fd, err)
		}
	}
}

func (w *epollWorker) invokeHandlerOnError(fd int, logger application.Logger) {
	w.invokeHandler(fd, logger)
}

// flush drains as much of fd's outbox as the socket will accept
// without blocking, disarming EPOLLOUT once the queue empties.
func (w *epollWorker) flush(fd int, logger application.Logger) {
	for {
		w.mu.Lock()
		box, ok := w.outboxes[fd]
		if !ok {
			w.mu.Unlock()
			return
		}
		frame, has := box.peek()
		w.mu.Unlock()
		if !has {
			w.disarmWritable(fd)
			return
		}

		n, err := unix.Write(fd, frame)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return
			}
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if logger != nil {
				logger.Errorf("engine: fd %d write: %v", fd, err)
			}
			return
		}
		if n < len(frame) {
			w.mu.Lock()
			box.frames[0] = frame[n:]
			w.mu.Unlock()
			continue
		}
		w.mu.Lock()
		box.popFront()
		w.mu.Unlock()
	}
}

// requestStop signals the worker's loop to exit on its next wake-up.
func (w *epollWorker) requestStop() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
	w.wake.signal()
}

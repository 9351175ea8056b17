//go:build linux

package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Zxce3/teavpn2/application"
)

// epollEngine is the epoll-backed Engine. Each worker owns its own
// epoll instance and goroutine; fds are assigned round-robin at
// Register time, so a session's reads/writes always run on the same
// worker for its lifetime.
type epollEngine struct {
	cfg     Config
	logger  application.Logger
	workers []*epollWorker

	next uint32 // atomic round-robin cursor

	mu       sync.Mutex
	fdWorker map[int]int // fd -> index into workers

	outboxDepth int

	closeOnce sync.Once
}

// NewEpollEngine builds an epoll engine with cfg.Workers goroutines,
// each with its own epoll instance and wake pipe.
func NewEpollEngine(cfg Config, logger application.Logger) (Engine, error) {
	cfg = cfg.withDefaults()
	e := &epollEngine{
		cfg:         cfg,
		logger:      logger,
		fdWorker:    make(map[int]int),
		outboxDepth: cfg.OutboxDepth,
	}
	for i := 0; i < cfg.Workers; i++ {
		w, err := newEpollWorker(i)
		if err != nil {
			for _, created := range e.workers {
				created.wake.close()
			}
			return nil, err
		}
		e.workers = append(e.workers, w)
	}
	return e, nil
}

func (e *epollEngine) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, w := range e.workers {
		wg.Add(1)
		go func(w *epollWorker) {
			defer wg.Done()
			w.run(e.logger)
		}(w)
	}

	go func() {
		<-ctx.Done()
		for _, w := range e.workers {
			w.requestStop()
		}
	}()

	wg.Wait()
	return ctx.Err()
}

func (e *epollEngine) Register(fd int, handler ReadHandler) error {
	idx := int(atomic.AddUint32(&e.next, 1)-1) % len(e.workers)
	w := e.workers[idx]
	if err := w.register(fd, handler, e.outboxDepth); err != nil {
		return err
	}
	e.mu.Lock()
	e.fdWorker[fd] = idx
	e.mu.Unlock()
	return nil
}

func (e *epollEngine) Deregister(fd int) {
	e.mu.Lock()
	idx, ok := e.fdWorker[fd]
	delete(e.fdWorker, fd)
	e.mu.Unlock()
	if !ok {
		return
	}
	e.workers[idx].deregister(fd)
}

func (e *epollEngine) EnqueueWrite(fd int, frame []byte) error {
	e.mu.Lock()
	idx, ok := e.fdWorker[fd]
	e.mu.Unlock()
	if !ok {
		return ErrUnknownFD
	}
	return e.workers[idx].enqueueWrite(fd, frame)
}

func (e *epollEngine) Wake() {
	for _, w := range e.workers {
		w.wake.signal()
	}
}

// Close implements the thread-exit interlock: it asks every worker to
// stop, waits up to grace, and if any worker is still running, returns
// ErrThreadsWontExit without closing the stuck worker's epoll fd or
// wake pipe. Those fds are intentionally leaked since a worker blocked
// deep in a syscall could otherwise be handed a closed fd out from
// under it.
func (e *epollEngine) Close(grace time.Duration) error {
	for _, w := range e.workers {
		w.requestStop()
	}

	allDone := make(chan struct{})
	go func() {
		for _, w := range e.workers {
			<-w.done
		}
		close(allDone)
	}()

	select {
	case <-allDone:
	case <-time.After(grace):
		return ErrThreadsWontExit
	}

	e.closeOnce.Do(func() {
		for _, w := range e.workers {
			w.wake.close()
		}
	})
	return nil
}

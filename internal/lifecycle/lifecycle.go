// Package lifecycle sequences startup and teardown of one server or
// client process: fixed init order, signal-driven graceful shutdown,
// and teardown that reverses init order while honoring the engine's
// thread-exit interlock.
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Zxce3/teavpn2/application"
	"github.com/Zxce3/teavpn2/internal/config"
	"github.com/Zxce3/teavpn2/internal/engine"
)

// Session is what a Controller starts and stops: the routing logic
// (server accept loop + per-session protocol handling, or a client's
// single connection) built on top of the engine the Controller
// constructs. Keeping this as a narrow interface is what lets
// Controller stay ignorant of TCP vs UDP and of server vs client:
// the codec, session, and table layers stay unaware of which engine
// runs underneath them.
type Session interface {
	// Start wires itself to eng (registering fds, enqueuing writes) and
	// blocks until ctx is canceled or the session fails; the I/O itself
	// runs through the engine's worker goroutines.
	Start(ctx context.Context, eng engine.Engine) error
	// Stop tears down sockets and sessions the Session owns. It must
	// not touch eng after returning.
	Stop() error
}

// Controller owns the init/teardown sequence: allocate state, obtain
// the TUN device (external), start the engine (which itself creates
// the wake-up pipe and epoll resources), start the session's
// listen/connect step, then run until canceled or a fatal internal
// error occurs.
type Controller struct {
	cfg     *config.Config
	logger  application.Logger
	device  application.Device
	session Session

	emergency atomic.Bool

	eng    engine.Engine
	cancel context.CancelFunc
}

// NewController builds a Controller. device is the TUN file descriptor
// handed in by an external collaborator; session is the routing logic
// (server or client) this process runs.
func NewController(cfg *config.Config, logger application.Logger, device application.Device, session Session) *Controller {
	return &Controller{cfg: cfg, logger: logger, device: device, session: session}
}

// SetEmergency is exposed so session routing code can raise
// in_emergency when resource exhaustion repeats; the Controller
// forwards it to the logger's verbosity gate if the logger supports
// one.
func (c *Controller) SetEmergency(on bool) {
	c.emergency.Store(on)
	if l, ok := c.logger.(interface{ SetEmergency(bool) }); ok {
		l.SetEmergency(on)
	}
}

// Run executes the full init -> serve -> teardown sequence. It
// installs signal handling once per process, registers itself with the
// signal façade, and deregisters on return.
func (c *Controller) Run(ctx context.Context) error {
	installSignalHandling()
	signalFacade.register(c)
	defer signalFacade.deregister(c)

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	defer cancel()

	eng, err := engine.NewEpollEngine(engine.Config{
		Workers:     c.cfg.WorkerCount,
		OutboxDepth: 16,
	}, c.logger)
	if err != nil {
		return fmt.Errorf("lifecycle: starting engine: %w", err)
	}
	c.eng = eng

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error { return c.session.Start(gctx, eng) })

	err = g.Wait()

	// Teardown reverses init order: stop session-level work first
	// (closes sockets, drops sessions), then the engine.
	if stopErr := c.session.Stop(); stopErr != nil && c.logger != nil {
		c.logger.Errorf("lifecycle: session stop: %v", stopErr)
	}

	drainMs := time.Duration(c.cfg.Timeouts.DrainMs) * time.Millisecond
	if closeErr := eng.Close(drainMs); closeErr != nil {
		if c.logger != nil {
			c.logger.Errorf("lifecycle: engine close: %v (threads_wont_exit)", closeErr)
		}
		c.SetEmergency(true)
		if err == nil {
			err = closeErr
		}
	}

	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// handleSignal is invoked by the signal façade. HUP, INT, and TERM all
// trigger the same orderly cancellation path; none of them are treated
// as errors.
func (c *Controller) handleSignal(sig os.Signal) {
	if c.logger != nil {
		c.logger.Infof("lifecycle: received %s, shutting down", sig)
	}
	if c.cancel != nil {
		c.cancel()
	}
}

package lifecycle

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// facade is a small signal-dispatch registry: a Controller registers
// itself at startup and deregisters at teardown, so the only
// module-level state is the façade's own registry, not a pointer into
// a particular Controller instance.
type facade struct {
	mu      sync.Mutex
	targets map[*Controller]struct{}
}

var signalFacade = &facade{targets: make(map[*Controller]struct{})}

func (f *facade) register(c *Controller) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets[c] = struct{}{}
}

func (f *facade) deregister(c *Controller) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.targets, c)
}

func (f *facade) dispatch(sig os.Signal) {
	f.mu.Lock()
	targets := make([]*Controller, 0, len(f.targets))
	for c := range f.targets {
		targets = append(targets, c)
	}
	f.mu.Unlock()
	for _, c := range targets {
		c.handleSignal(sig)
	}
}

// installSignalHandling starts the process-wide signal goroutine once.
// SIGPIPE is ignored explicitly: a half-closed peer socket must surface
// as a write error on that session, not kill the process.
var installOnce sync.Once
var sigChan chan os.Signal

func installSignalHandling() {
	installOnce.Do(func() {
		signal.Ignore(syscall.SIGPIPE)
		sigChan = make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		go func() {
			for sig := range sigChan {
				signalFacade.dispatch(sig)
			}
		}()
	})
}

package routing

import (
	"time"

	"github.com/Zxce3/teavpn2/internal/config"
)

// supervisionInterval picks how often a connection's deadline
// supervisor wakes to check the handshake/auth timeout and the idle
// probe window: a quarter of the shorter of the two configured
// timeouts, bounded to a sane range so a misconfigured near-zero
// timeout can't busy-loop and a large one doesn't leave a session
// stuck past its deadline for too long.
func supervisionInterval(cfg *config.Config) time.Duration {
	ms := cfg.Timeouts.IdleMs
	if cfg.Timeouts.ConnectMs < ms {
		ms = cfg.Timeouts.ConnectMs
	}
	interval := time.Duration(ms) * time.Millisecond / 4
	switch {
	case interval < 50*time.Millisecond:
		return 50 * time.Millisecond
	case interval > time.Second:
		return time.Second
	default:
		return interval
	}
}

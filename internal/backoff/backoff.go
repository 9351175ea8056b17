// Package backoff implements the client reconnect policy: reconnect if
// configured, a bounded number of attempts, exponential delay growth
// between tries.
package backoff

import (
	"context"
	"errors"
	"time"
)

const (
	defaultInitial = time.Second
	defaultMax     = 30 * time.Second
)

// ErrRetriesExceeded is returned once MaxRetries reconnect attempts
// have all failed.
var ErrRetriesExceeded = errors.New("backoff: exceeded maximum reconnect attempts")

// Policy drives a doubling backoff with a bounded retry count and a
// configurable initial delay and cap.
type Policy struct {
	Initial    time.Duration
	Max        time.Duration
	MaxRetries int
}

// NewPolicy returns a Policy with defaults (1s initial,
// 30s cap) for the given retry bound.
func NewPolicy(maxRetries int) Policy {
	return Policy{Initial: defaultInitial, Max: defaultMax, MaxRetries: maxRetries}
}

// Run calls attempt up to p.MaxRetries+1 times (the first call plus
// MaxRetries retries), waiting an exponentially growing delay between
// failures. It returns attempt's first success, ctx.Err() if ctx is
// canceled while waiting, or ErrRetriesExceeded once retries run out.
func (p Policy) Run(ctx context.Context, attempt func(context.Context) error) error {
	initial := p.Initial
	if initial <= 0 {
		initial = defaultInitial
	}
	max := p.Max
	if max <= 0 {
		max = defaultMax
	}

	delay := initial
	for tries := 0; tries <= p.MaxRetries; tries++ {
		err := attempt(ctx)
		if err == nil {
			return nil
		}
		if tries == p.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > max {
			delay = max
		}
	}
	return ErrRetriesExceeded
}

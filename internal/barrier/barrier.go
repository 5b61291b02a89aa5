// Package barrier provides a reusable rendezvous point for a fixed number
// of participants with a timeout. The harness uses it to fence concurrent
// per-node database setup and teardown: all setups complete before the
// workload begins, and the workload drains before teardown starts.
package barrier

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
)

// DefaultTimeout is how long a participant waits for its peers before the
// run is failed. Test authors may raise it for slow databases.
const DefaultTimeout = 300 * time.Second

// Barrier is a cyclic rendezvous for exactly N participants. Await blocks
// until all N arrive, then releases them together and resets for the next
// cycle. Release is all-or-nothing.
type Barrier struct {
	parties int
	timeout time.Duration
	clock   clockwork.Clock

	mu      sync.Mutex
	waiting int
	release chan struct{}
}

// New creates a barrier for the given participant count. A non-positive
// timeout falls back to DefaultTimeout; a nil clock uses the real one.
func New(parties int, timeout time.Duration, clock clockwork.Clock) *Barrier {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Barrier{
		parties: parties,
		timeout: timeout,
		clock:   clock,
		release: make(chan struct{}),
	}
}

// Parties returns the participant count.
func (b *Barrier) Parties() int { return b.parties }

// Await blocks until all participants have arrived, the timeout expires, or
// the context is cancelled. A timeout is a fatal condition for the run; the
// returned error says which.
func (b *Barrier) Await(ctx context.Context) error {
	b.mu.Lock()
	b.waiting++
	release := b.release
	if b.waiting >= b.parties {
		// Last one in trips the barrier and arms the next cycle.
		b.waiting = 0
		b.release = make(chan struct{})
		close(release)
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	timer := b.clock.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case <-release:
		return nil
	case <-timer.Chan():
		return errors.Errorf("barrier timed out after %v waiting for %d participants", b.timeout, b.parties)
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "barrier wait cancelled")
	}
}

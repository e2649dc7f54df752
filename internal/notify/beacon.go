// Package notify provides the broadcast wakeup primitive used for
// interrupt-driven waits. The interrupt path broadcasts unconditionally and
// every waiter re-checks its own predicate, so spurious wakeups are harmless
// and no waiter is ever targeted individually.
package notify

import (
	"context"
	"sync"
)

// Beacon is a broadcast-only condition. Unlike sync.Cond it composes with
// context cancellation: waiters select on the pulse channel and ctx.Done().
type Beacon struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewBeacon returns a ready-to-use beacon.
func NewBeacon() *Beacon {
	return &Beacon{ch: make(chan struct{})}
}

// Broadcast wakes every waiter currently parked on the beacon. Waiters that
// arrive afterwards wait for the next broadcast.
func (b *Beacon) Broadcast() {
	b.mu.Lock()
	close(b.ch)
	b.ch = make(chan struct{})
	b.mu.Unlock()
}

// pulse returns the channel closed by the next Broadcast.
func (b *Beacon) pulse() <-chan struct{} {
	b.mu.Lock()
	ch := b.ch
	b.mu.Unlock()
	return ch
}

// Wait blocks until pred() is true or ctx is cancelled. pred is evaluated
// before the first park and again after every broadcast; it must be safe to
// call from multiple goroutines.
func (b *Beacon) Wait(ctx context.Context, pred func() bool) error {
	for {
		// Grab the pulse before checking so a broadcast racing with the
		// predicate check is not lost.
		ch := b.pulse()
		if pred() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

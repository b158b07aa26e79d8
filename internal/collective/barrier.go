// Package collective implements the rendezvous primitives of the crawl
// fleet: a reusable barrier that can be broken by any participant, and the
// per-round all-gather that merges every worker's links into one
// rank-ordered table.
package collective

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrBrokenBarrier is returned to every waiter once a barrier is broken
// without a more specific cause.
var ErrBrokenBarrier = errors.New("barrier broken")

// Barrier is a cyclic rendezvous point for a fixed number of parties. The
// last party to arrive runs the optional action before anyone is released;
// an action error breaks the barrier for everyone.
//
// A broken barrier stays broken: every pending and future Await returns the
// cause. There is no partial release.
type Barrier struct {
	parties int
	action  func() error

	mu      sync.Mutex
	arrived int
	gen     *generation
	broken  error
}

type generation struct {
	done chan struct{}
	err  error
}

func newGeneration() *generation {
	return &generation{done: make(chan struct{})}
}

// NewBarrier creates a Barrier for parties participants.
func NewBarrier(parties int, action func() error) *Barrier {
	if parties < 1 {
		parties = 1
	}
	return &Barrier{
		parties: parties,
		action:  action,
		gen:     newGeneration(),
	}
}

// Await blocks until all parties have arrived, the barrier is broken, or ctx
// ends. A context ending while waiting breaks the barrier for everyone.
func (b *Barrier) Await(ctx context.Context) error {
	b.mu.Lock()
	if b.broken != nil {
		err := b.broken
		b.mu.Unlock()
		return err
	}
	g := b.gen
	b.arrived++
	if b.arrived == b.parties {
		if err := b.runAction(); err != nil {
			b.breakLocked(err)
			b.mu.Unlock()
			return err
		}
		b.arrived = 0
		b.gen = newGeneration()
		close(g.done)
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	select {
	case <-g.done:
		return g.err
	case <-ctx.Done():
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-g.done:
		// Tripped or broken while we were noticing the cancellation.
		return g.err
	default:
	}
	b.breakLocked(fmt.Errorf("barrier wait: %w", ctx.Err()))
	return b.broken
}

// Break fails the barrier with err, releasing every waiter. Only the first
// cause is kept.
func (b *Barrier) Break(err error) {
	if err == nil {
		err = ErrBrokenBarrier
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.breakLocked(err)
}

// Err returns the cause the barrier was broken with, or nil.
func (b *Barrier) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.broken
}

// Waiting returns how many parties are currently blocked in Await.
func (b *Barrier) Waiting() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.arrived
}

func (b *Barrier) runAction() (err error) {
	if b.action == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("barrier action panicked: %v", r)
		}
	}()
	if actionErr := b.action(); actionErr != nil {
		return fmt.Errorf("barrier action: %w", actionErr)
	}
	return nil
}

func (b *Barrier) breakLocked(err error) {
	if b.broken != nil {
		return
	}
	b.broken = err
	b.gen.err = err
	close(b.gen.done)
}

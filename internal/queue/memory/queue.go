// Package memory provides the in-process mailbox used to deliver seed
// assignments from the coordinator to individual workers.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/lockstep-crawler/internal/crawler"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded in-memory mailbox with context-aware operations.
type Queue struct {
	ch      chan crawler.Assignment
	closeMu sync.RWMutex
	closed  bool
}

// NewQueue constructs a queue holding up to capacity undelivered messages.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch: make(chan crawler.Assignment, capacity),
	}
}

// Enqueue delivers an assignment or returns if the context ends first.
func (q *Queue) Enqueue(ctx context.Context, a crawler.Assignment) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- a:
		return nil
	}
}

// Dequeue receives the next assignment, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (crawler.Assignment, error) {
	select {
	case <-ctx.Done():
		return crawler.Assignment{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case a, ok := <-q.ch:
		if !ok {
			return crawler.Assignment{}, ErrClosed
		}
		return a, nil
	}
}

// Len reports the number of undelivered messages.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close closes the underlying channel. It is safe to call more than once.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}

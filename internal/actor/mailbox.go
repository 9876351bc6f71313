// Package actor provides a minimal mailbox: a single goroutine that runs
// submitted closures in FIFO order. Land keepers use one mailbox each so
// rule execution never needs locks around land state.
package actor

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Submit after Close has been called.
var ErrClosed = errors.New("mailbox closed")

// Mailbox executes submitted functions one at a time on its own goroutine.
type Mailbox struct {
	tasks chan func()
	quit  chan struct{}
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewMailbox starts a mailbox with the given queue capacity. Capacity zero
// falls back to a sensible default.
func NewMailbox(capacity int) *Mailbox {
	if capacity <= 0 {
		capacity = 128
	}
	m := &Mailbox{
		tasks: make(chan func(), capacity),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *Mailbox) run() {
	defer close(m.done)
	for {
		select {
		case fn := <-m.tasks:
			fn()
		case <-m.quit:
			// Drain whatever was accepted before close.
			for {
				select {
				case fn := <-m.tasks:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Submit queues fn for execution. It blocks when the queue is full and
// returns ErrClosed once the mailbox has been closed.
func (m *Mailbox) Submit(fn func()) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	m.tasks <- fn
	return nil
}

// Close stops accepting new work, lets already queued tasks finish and
// waits for the worker to exit or ctx to expire.
func (m *Mailbox) Close(ctx context.Context) error {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.quit)
	}
	m.mu.Unlock()

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type result[R any] struct {
	value R
	err   error
}

// Call submits fn and waits for its result. Waiting stops when ctx expires,
// in which case the task may still run later. Calling from inside the same
// mailbox deadlocks; tasks must not re-enter their own mailbox.
func Call[R any](ctx context.Context, m *Mailbox, fn func() (R, error)) (R, error) {
	out := make(chan result[R], 1)
	if err := m.Submit(func() {
		v, err := fn()
		out <- result[R]{value: v, err: err}
	}); err != nil {
		var zero R
		return zero, err
	}
	select {
	case r := <-out:
		return r.value, r.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

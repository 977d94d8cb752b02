// Package xsync provides the small set of thread coordination primitives
// used by the token layer: an auto-reset event with timed wait, and
// joinable background threads.
package xsync

import (
	"time"

	"github.com/cockroachdb/errors"
)

// Infinite specifies to wait without timeout
const Infinite = time.Duration(-1)

// ErrTimeout is returned by Event.Wait when the timeout elapsed
var ErrTimeout = errors.New("wait timeout")

// Event is an auto-reset condition: a Signal wakes exactly one waiter,
// or is remembered until the next Wait if nobody is waiting.
type Event struct {
	ch chan struct{}
}

// NewEvent returns a new Event in non-signaled state
func NewEvent() *Event {
	return &Event{
		ch: make(chan struct{}, 1),
	}
}

// Signal sets the event
func (e *Event) Signal() {
	select {
	case e.ch <- struct{}{}:
	default:
		// already signaled
	}
}

// Wait blocks until the event is signaled, or timeout elapses.
// Use Infinite to wait forever.
func (e *Event) Wait(timeout time.Duration) error {
	if timeout == Infinite {
		<-e.ch
		return nil
	}

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-e.ch:
		return nil
	case <-t.C:
		return ErrTimeout
	}
}

// Thread is a joinable background goroutine
type Thread struct {
	done chan struct{}
}

// Start runs fn on a new thread
func Start(fn func()) *Thread {
	t := &Thread{
		done: make(chan struct{}),
	}
	go func() {
		defer close(t.done)
		fn()
	}()
	return t
}

// Join waits for the thread to exit.
// It is safe to call Join on nil or more than once.
func (t *Thread) Join() {
	if t == nil {
		return
	}
	<-t.done
}

// Done returns true if the thread has exited
func (t *Thread) Done() bool {
	if t == nil {
		return true
	}
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

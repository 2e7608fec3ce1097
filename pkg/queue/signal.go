// Package queue holds the outbound and inbound queues of a channel. Waiters
// block on a broadcast signal and a context, so shutdown wakes them at once.
package queue

import (
	"errors"
	"sync"
)

// ErrClosed is returned once a queue has been closed.
var ErrClosed = errors.New("queue closed")

// signal is a broadcast: every waiter that grabbed the channel before the
// next Broadcast wakes up.
type signal struct {
	mu sync.Mutex
	ch chan struct{}
}

func newSignal() *signal { return &signal{ch: make(chan struct{})} }

// C returns the channel closed by the next Broadcast.
func (s *signal) C() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

func (s *signal) Broadcast() {
	s.mu.Lock()
	close(s.ch)
	s.ch = make(chan struct{})
	s.mu.Unlock()
}

package queue

import (
	"context"
	"sync"

	"pipemesh/pkg/api"
)

// Inbound holds decoded messages until a reader asks for their type.
type Inbound struct {
	mu     sync.Mutex
	items  []api.Message
	closed bool
	sig    *signal
}

func NewInbound() *Inbound { return &Inbound{sig: newSignal()} }

// Push appends a message and wakes every reader.
func (q *Inbound) Push(m api.Message) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, m)
	q.mu.Unlock()
	q.sig.Broadcast()
	return nil
}

// Recv removes and returns the oldest message of type t. Messages of other
// types stay queued in their order. The scan is linear in the queue length.
func (q *Inbound) Recv(ctx context.Context, t api.MessageType) (api.Message, error) {
	for {
		wake := q.sig.C()
		q.mu.Lock()
		for i, m := range q.items {
			if m.Type() == t {
				q.items = append(q.items[:i], q.items[i+1:]...)
				q.mu.Unlock()
				return m, nil
			}
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		}
	}
}

// Len returns the number of queued messages.
func (q *Inbound) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes all readers with ErrClosed.
func (q *Inbound) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.sig.Broadcast()
}

package queue

import (
	"context"
	"sync"
)

// Outbound is a FIFO of messages waiting for a writer. Each entry holds the
// encoded frames of one message, so a single writer sends all of them in
// order.
type Outbound struct {
	mu     sync.Mutex
	items  [][][]byte
	frames int
	closed bool
	sig    *signal
}

func NewOutbound() *Outbound { return &Outbound{sig: newSignal()} }

// Push appends the frames of one message and wakes writers. An empty call
// queues nothing.
func (q *Outbound) Push(frames ...[]byte) error {
	return q.insert(frames, false)
}

// PushFront puts a message back at the head, for a write that failed.
func (q *Outbound) PushFront(frames ...[]byte) error {
	return q.insert(frames, true)
}

func (q *Outbound) insert(frames [][]byte, front bool) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if len(frames) == 0 {
		q.mu.Unlock()
		return nil
	}
	if front {
		q.items = append([][][]byte{frames}, q.items...)
	} else {
		q.items = append(q.items, frames)
	}
	q.frames += len(frames)
	q.mu.Unlock()
	q.sig.Broadcast()
	return nil
}

// Pop blocks until a message is available, ctx is done, or the queue
// closes. It returns every frame of the message.
func (q *Outbound) Pop(ctx context.Context) ([][]byte, error) {
	for {
		wake := q.sig.C()
		q.mu.Lock()
		if len(q.items) > 0 {
			m := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.frames -= len(m)
			q.mu.Unlock()
			return m, nil
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

// Len returns the number of queued frames.
func (q *Outbound) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.frames
}

// Messages returns the number of queued messages.
func (q *Outbound) Messages() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes all waiters; queued frames are dropped.
func (q *Outbound) Close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.frames = 0
	q.mu.Unlock()
	q.sig.Broadcast()
}

// Package ipc turns a transport into a message-oriented channel with
// connect, disconnect and message callbacks. The agent's upstream profile
// runs a Server; peers and the controller tool use Dial.
package ipc

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"pipemesh/pkg/transport"
)

var ErrConnClosed = errors.New("ipc: connection closed")

// Handler receives connection events. For one connection OnConnect runs
// before the first OnMessage and OnDisconnect runs after the last.
type Handler interface {
	OnConnect(*Conn)
	OnDisconnect(*Conn)
	OnMessage(*Conn, []byte)
}

type writeReq struct {
	b    []byte
	done func(error)
}

// Conn is one connected channel instance. Writes are performed one at a
// time in the order they were queued.
type Conn struct {
	s    transport.Session
	h    Handler
	wake chan struct{}
	done chan struct{}

	mu      sync.Mutex
	closed  bool
	pending []writeReq
}

func newConn(s transport.Session, h Handler) *Conn {
	return &Conn{s: s, h: h, wake: make(chan struct{}, 1), done: make(chan struct{})}
}

// Session exposes the underlying transport session.
func (c *Conn) Session() transport.Session { return c.s }

// Done is closed once the connection has shut down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// WriteAsync queues b and invokes done exactly once with the write result.
// done may be nil.
func (c *Conn) WriteAsync(b []byte, done func(error)) {
	if done == nil {
		done = func(error) {}
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		done(ErrConnClosed)
		return
	}
	c.pending = append(c.pending, writeReq{b: b, done: done})
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Write sends b and waits for the result.
func (c *Conn) Write(b []byte) error {
	ch := make(chan error, 1)
	c.WriteAsync(b, func(err error) { ch <- err })
	return <-ch
}

// Close tears the connection down. It is safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	close(c.done)
	return c.s.Close()
}

// serve runs the connection until the session fails or ctx is done. It
// blocks; callbacks are delivered from here and from the writer goroutine.
func (c *Conn) serve(ctx context.Context) {
	peer := string(c.s.Peer().ID)
	go c.writeLoop()
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-c.done:
		}
	}()
	c.h.OnConnect(c)
	defer c.h.OnDisconnect(c)
	defer c.Close()
	for {
		buf, err := c.s.RecvBytes()
		if err != nil {
			select {
			case <-c.done:
			default:
				zap.L().Debug("ipc recv ended", zap.String("peer", peer), zap.Error(err))
			}
			return
		}
		c.h.OnMessage(c, buf)
	}
}

func (c *Conn) writeLoop() {
	for {
		c.mu.Lock()
		if c.closed {
			rest := c.pending
			c.pending = nil
			c.mu.Unlock()
			for _, w := range rest {
				w.done(ErrConnClosed)
			}
			return
		}
		if len(c.pending) == 0 {
			c.mu.Unlock()
			select {
			case <-c.wake:
			case <-c.done:
			}
			continue
		}
		w := c.pending[0]
		c.pending[0] = writeReq{}
		c.pending = c.pending[1:]
		c.mu.Unlock()
		w.done(c.s.SendBytes(w.b))
	}
}

// Package mem is an in-process transport built on net.Pipe. Tests use it in
// place of named pipes.
package mem

import (
	"context"
	"errors"
	"net"
	"sync"

	"pipemesh/pkg/transport"
)

var (
	ErrListenerExists = errors.New("mem: listener already exists")
	ErrNoListener     = errors.New("mem: no such listener")
	ErrClosed         = errors.New("mem: listener closed")
)

// Transport keeps named listeners in a process-wide map scoped to the value.
type Transport struct {
	mu        sync.Mutex
	listeners map[string]*listener
	maxFrame  int
}

// New returns a transport whose sessions reject frames above maxFrame.
func New(maxFrame int) *Transport {
	return &Transport{listeners: make(map[string]*listener), maxFrame: maxFrame}
}

func (t *Transport) Kind() transport.Kind { return transport.KindMem }

func (t *Transport) Listen(ctx context.Context, name string) (transport.Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.listeners[name]; ok {
		return nil, ErrListenerExists
	}
	l := &listener{name: name, newCh: make(chan transport.Session), closeCh: make(chan struct{})}
	l.onClose = func() {
		t.mu.Lock()
		if t.listeners[name] == l {
			delete(t.listeners, name)
		}
		t.mu.Unlock()
	}
	t.listeners[name] = l
	go func() {
		select {
		case <-ctx.Done():
			_ = l.Close()
		case <-l.closeCh:
		}
	}()
	return l, nil
}

// Dial connects to a listener by name. It blocks until the listener accepts
// or ctx is done.
func (t *Transport) Dial(ctx context.Context, name string, peer transport.PeerInfo) (transport.Session, error) {
	t.mu.Lock()
	l := t.listeners[name]
	t.mu.Unlock()
	if l == nil {
		return nil, ErrNoListener
	}
	c1, c2 := net.Pipe()
	srv := transport.NewFramedSession(c1, transport.KindMem, transport.PeerInfo{ID: peer.ID, Addr: name}, t.maxFrame)
	cli := transport.NewFramedSession(c2, transport.KindMem, peer, t.maxFrame)
	select {
	case l.newCh <- srv:
		return cli, nil
	case <-l.closeCh:
	case <-ctx.Done():
	}
	_ = c1.Close()
	_ = c2.Close()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, ErrClosed
}

type listener struct {
	name    string
	newCh   chan transport.Session
	closeCh chan struct{}
	once    sync.Once
	onClose func()
}

func (l *listener) Addr() net.Addr { return memAddr(l.name) }

func (l *listener) Accept(ctx context.Context) (transport.Session, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, ErrClosed
	case s := <-l.newCh:
		return s, nil
	}
}

func (l *listener) Close() error {
	l.once.Do(func() {
		close(l.closeCh)
		l.onClose()
	})
	return nil
}

type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

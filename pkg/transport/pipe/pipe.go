// Package pipe carries sessions over named pipes. On Windows it uses
// go-winio; elsewhere a unix domain socket in the temp directory stands in
// for the pipe so the agent and its tests run on every platform.
package pipe

import (
	"context"
	"errors"
	"net"
	"sync"

	"pipemesh/pkg/transport"
)

// Options tune pipe creation.
type Options struct {
	// MaxFrame bounds one frame; 0 selects transport.DefaultMaxFrame.
	MaxFrame int
	// InputBufferSize and OutputBufferSize size the pipe buffers where the
	// platform supports it.
	InputBufferSize  int32
	OutputBufferSize int32
}

var ErrClosed = errors.New("pipe: listener closed")

// Transport implements transport.Transport over named pipes. Addresses are
// bare pipe names, optionally qualified by a host as "host/name".
type Transport struct {
	opts Options
}

func New(opts Options) *Transport { return &Transport{opts: opts} }

func (t *Transport) Kind() transport.Kind { return transport.KindPipe }

func (t *Transport) Listen(ctx context.Context, name string) (transport.Listener, error) {
	l, err := listen(name, t.opts)
	if err != nil {
		return nil, err
	}
	wl := &listener{l: l, maxFrame: t.opts.MaxFrame, newCh: make(chan transport.Session), closeCh: make(chan struct{})}
	go wl.acceptLoop()
	go func() {
		select {
		case <-ctx.Done():
			_ = wl.Close()
		case <-wl.closeCh:
		}
	}()
	return wl, nil
}

func (t *Transport) Dial(ctx context.Context, name string, peer transport.PeerInfo) (transport.Session, error) {
	conn, err := dial(ctx, name)
	if err != nil {
		return nil, err
	}
	if peer.Addr == "" {
		peer.Addr = name
	}
	return transport.NewFramedSession(conn, transport.KindPipe, peer, t.opts.MaxFrame), nil
}

type listener struct {
	l        net.Listener
	maxFrame int
	newCh    chan transport.Session
	closeCh  chan struct{}
	once     sync.Once
}

func (l *listener) Addr() net.Addr { return l.l.Addr() }

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
	var err error
	l.once.Do(func() {
		close(l.closeCh)
		err = l.l.Close()
	})
	return err
}

func (l *listener) acceptLoop() {
	for {
		c, err := l.l.Accept()
		if err != nil {
			return
		}
		s := transport.NewFramedSession(c, transport.KindPipe, transport.AnonymousPeer(transport.KindPipe, c.RemoteAddr()), l.maxFrame)
		select {
		case l.newCh <- s:
		case <-l.closeCh:
			_ = s.Close()
			return
		}
	}
}

package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"pipemesh/pkg/transport"
)

// ServerOptions configure a Server.
type ServerOptions struct {
	// MaxInstances caps concurrent connections; 0 means one.
	MaxInstances int
}

// Server accepts connections on one transport address.
type Server struct {
	tr   transport.Transport
	addr string
	h    Handler
	sem  *semaphore.Weighted

	mu     sync.Mutex
	l      transport.Listener
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer(tr transport.Transport, addr string, h Handler, opts ServerOptions) *Server {
	n := opts.MaxInstances
	if n <= 0 {
		n = 1
	}
	return &Server{tr: tr, addr: addr, h: h, sem: semaphore.NewWeighted(int64(n))}
}

// Start begins listening. The accept loop runs until ctx is done or Close.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.l != nil {
		return errors.New("ipc: server already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	l, err := s.tr.Listen(ctx, s.addr)
	if err != nil {
		cancel()
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.l, s.cancel = l, cancel
	zap.L().Info("listening", zap.String("kind", s.tr.Kind().String()), zap.String("addr", l.Addr().String()))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx, l)
	}()
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, l transport.Listener) {
	for {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		sess, err := l.Accept(ctx)
		if err != nil {
			s.sem.Release(1)
			select {
			case <-ctx.Done():
			default:
				zap.L().Warn("accept failed", zap.String("addr", s.addr), zap.Error(err))
			}
			return
		}
		zap.L().Info("inbound session", zap.String("peer", string(sess.Peer().ID)), zap.String("kind", sess.TransportKind().String()))
		c := newConn(sess, s.h)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			c.serve(ctx)
		}()
	}
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.l == nil {
		return nil
	}
	return s.l.Addr()
}

// Close stops accepting, closes every connection and waits for the
// callbacks to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	l, cancel := s.l, s.cancel
	s.mu.Unlock()
	if l == nil {
		return nil
	}
	cancel()
	err := l.Close()
	s.wg.Wait()
	return err
}

// Dial opens a client connection to addr and runs it in the background.
// The returned Conn is live until Close or until the remote end goes away.
func Dial(ctx context.Context, tr transport.Transport, addr string, peer transport.PeerInfo, h Handler) (*Conn, error) {
	sess, err := tr.Dial(ctx, addr, peer)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	c := newConn(sess, h)
	go c.serve(context.WithoutCancel(ctx))
	return c, nil
}

package ipc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipemesh/pkg/transport"
	"pipemesh/pkg/transport/mem"
)

type recorder struct {
	mu        sync.Mutex
	connected int
	gone      int
	msgs      chan []byte
	echo      bool
}

func newRecorder(echo bool) *recorder { return &recorder{msgs: make(chan []byte, 16), echo: echo} }

func (r *recorder) OnConnect(*Conn) {
	r.mu.Lock()
	r.connected++
	r.mu.Unlock()
}

func (r *recorder) OnDisconnect(*Conn) {
	r.mu.Lock()
	r.gone++
	r.mu.Unlock()
}

func (r *recorder) OnMessage(c *Conn, b []byte) {
	r.msgs <- b
	if r.echo {
		c.WriteAsync(append([]byte("echo:"), b...), nil)
	}
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected, r.gone
}

func TestServerEcho(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	tr := mem.New(0)
	srvH := newRecorder(true)
	srv := NewServer(tr, "agent", srvH, ServerOptions{MaxInstances: 1})
	require.NoError(t, srv.Start(ctx))
	defer srv.Close()
	require.Equal(t, "agent", srv.Addr().String())

	cliH := newRecorder(false)
	c, err := Dial(ctx, tr, "agent", transport.PeerInfo{ID: "ctl"}, cliH)
	require.NoError(t, err)

	require.NoError(t, c.Write([]byte("hi")))
	select {
	case got := <-srvH.msgs:
		assert.Equal(t, "hi", string(got))
	case <-ctx.Done():
		t.Fatal("server did not receive")
	}
	select {
	case got := <-cliH.msgs:
		assert.Equal(t, "echo:hi", string(got))
	case <-ctx.Done():
		t.Fatal("client did not receive echo")
	}

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool {
		conn, gone := srvH.counts()
		return conn == 1 && gone == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWriteAsyncAfterClose(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	tr := mem.New(0)
	srv := NewServer(tr, "agent", newRecorder(false), ServerOptions{})
	require.NoError(t, srv.Start(ctx))
	defer srv.Close()

	c, err := Dial(ctx, tr, "agent", transport.PeerInfo{}, newRecorder(false))
	require.NoError(t, err)
	require.NoError(t, c.Close())

	done := make(chan error, 1)
	c.WriteAsync([]byte("late"), func(err error) { done <- err })
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrConnClosed)
	case <-ctx.Done():
		t.Fatal("callback not invoked")
	}
}

func TestMaxInstances(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	tr := mem.New(0)
	srvH := newRecorder(false)
	srv := NewServer(tr, "agent", srvH, ServerOptions{MaxInstances: 1})
	require.NoError(t, srv.Start(ctx))
	defer srv.Close()

	first, err := Dial(ctx, tr, "agent", transport.PeerInfo{}, newRecorder(false))
	require.NoError(t, err)

	short, cancelShort := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancelShort()
	_, err = Dial(short, tr, "agent", transport.PeerInfo{}, newRecorder(false))
	require.Error(t, err, "second instance must wait for a free slot")

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool {
		c, err := Dial(ctx, tr, "agent", transport.PeerInfo{}, newRecorder(false))
		if err != nil {
			return false
		}
		_ = c.Close()
		return true
	}, 2*time.Second, 20*time.Millisecond)
}

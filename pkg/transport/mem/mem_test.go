package mem

import (
	"context"
	"sync"
	"testing"
	"time"

	"pipemesh/pkg/transport"
)

func TestDialAcceptRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tr := New(0)
	l, err := tr.Listen(ctx, "agent")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	var srv transport.Session
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s, err := l.Accept(ctx)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		srv = s
	}()
	cli, err := tr.Dial(ctx, "agent", transport.PeerInfo{ID: "client"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()
	wg.Wait()
	if srv == nil {
		t.Fatal("no server session")
	}
	defer srv.Close()

	go func() { _ = cli.SendBytes([]byte("hello")) }()
	got, err := srv.RecvBytes()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q", got)
	}
	if srv.Peer().ID != "client" {
		t.Fatalf("peer id %q", srv.Peer().ID)
	}
	if q := srv.Quality(); q.BytesIn != 5 {
		t.Fatalf("bytes in %d", q.BytesIn)
	}
}

func TestFrameLimit(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	tr := New(4)
	l, _ := tr.Listen(ctx, "small")
	defer l.Close()
	go func() { _, _ = l.Accept(ctx) }()
	cli, err := tr.Dial(ctx, "small", transport.PeerInfo{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()
	if err := cli.SendBytes([]byte("too long")); err == nil {
		t.Fatal("expected frame limit error")
	}
}

func TestListenerLifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tr := New(0)
	if _, err := tr.Listen(ctx, "x"); err != nil {
		t.Fatalf("listen: %v", err)
	}
	if _, err := tr.Listen(ctx, "x"); err != ErrListenerExists {
		t.Fatalf("want ErrListenerExists, got %v", err)
	}
	if _, err := tr.Dial(context.Background(), "nope", transport.PeerInfo{}); err != ErrNoListener {
		t.Fatalf("want ErrNoListener, got %v", err)
	}
	cancel()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := tr.Dial(context.Background(), "x", transport.PeerInfo{}); err == ErrNoListener {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("listener not removed after context cancel")
}

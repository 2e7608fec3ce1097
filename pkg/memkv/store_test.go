package memkv

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct{ now atomic.Int64 }

func newFakeClock() *fakeClock {
	c := &fakeClock{}
	c.now.Store(time.Unix(1_700_000_000, 0).UnixNano())
	return c
}

func (c *fakeClock) Now() time.Time          { return time.Unix(0, c.now.Load()) }
func (c *fakeClock) Advance(d time.Duration) { c.now.Add(int64(d)) }

func TestSetGetCopies(t *testing.T) {
	s := New(Options{})
	defer s.Close()

	in := []byte("abc")
	if created := s.Set("k1", in, 0); !created {
		t.Fatalf("expected created=true on first Set")
	}
	in[0] = 'Z'
	v, ok := s.Get("k1")
	if !ok || string(v) != "abc" {
		t.Fatalf("Get mismatch: ok=%v v=%q", ok, v)
	}
	v[0] = 'X'
	v2, _ := s.Get("k1")
	if string(v2) != "abc" {
		t.Fatalf("stored value changed through returned copy: %q", v2)
	}
	if created := s.Set("k1", []byte("def"), 0); created {
		t.Fatalf("expected created=false on overwrite")
	}
}

func TestGetDel(t *testing.T) {
	s := New(Options{})
	defer s.Close()

	s.Set("k2", []byte("42"), 0)
	v, ok := s.GetDel("k2")
	if !ok || string(v) != "42" {
		t.Fatalf("GetDel mismatch: ok=%v v=%q", ok, v)
	}
	if _, ok := s.Get("k2"); ok {
		t.Fatalf("expected key to be deleted after GetDel")
	}
}

func TestSetNX(t *testing.T) {
	clk := newFakeClock()
	s := New(Options{Now: clk.Now})
	defer s.Close()

	if !s.SetNX("done:1", nil, time.Minute) {
		t.Fatalf("first SetNX must store")
	}
	if s.SetNX("done:1", nil, time.Minute) {
		t.Fatalf("second SetNX must not store")
	}
	clk.Advance(2 * time.Minute)
	if !s.SetNX("done:1", nil, time.Minute) {
		t.Fatalf("SetNX must store over an expired key")
	}
	if got := s.Metrics().Expired; got != 1 {
		t.Fatalf("Expired=1 expected, got %d", got)
	}
}

func TestSetNXConcurrent(t *testing.T) {
	s := New(Options{})
	defer s.Close()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.SetNX("race", []byte("x"), 0) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("exactly one SetNX must win, got %d", wins.Load())
	}
}

func TestExpireTTL(t *testing.T) {
	clk := newFakeClock()
	s := New(Options{Now: clk.Now})
	defer s.Close()

	s.Set("k3", []byte("v"), 50*time.Millisecond)
	if _, ok := s.Get("k3"); !ok {
		t.Fatalf("expected key present before TTL")
	}
	clk.Advance(120 * time.Millisecond)
	if _, ok := s.Get("k3"); ok {
		t.Fatalf("expected key expired")
	}
	if _, ok := s.TTL("k3"); ok {
		t.Fatalf("expected TTL to report missing after expiry")
	}
	if s.Metrics().Expired == 0 {
		t.Fatalf("expected Expired > 0")
	}
}

func TestExpireUpdateTTL(t *testing.T) {
	clk := newFakeClock()
	s := New(Options{Now: clk.Now})
	defer s.Close()

	s.Set("k4", []byte("v"), 0)
	if d, ok := s.TTL("k4"); !ok || d != 0 {
		t.Fatalf("key without TTL should report 0,true got %v %v", d, ok)
	}
	if ok := s.Expire("k4", 30*time.Millisecond); !ok {
		t.Fatalf("Expire returned false")
	}
	if d, ok := s.TTL("k4"); !ok || d != 30*time.Millisecond {
		t.Fatalf("TTL should be 30ms, got %v %v", d, ok)
	}
	clk.Advance(80 * time.Millisecond)
	if _, ok := s.TTL("k4"); ok {
		t.Fatalf("expected key expired")
	}
	if s.Expire("k4", time.Second) {
		t.Fatalf("Expire on a missing key must report false")
	}
}

func TestSweep(t *testing.T) {
	clk := newFakeClock()
	s := New(Options{Now: clk.Now, JanitorInterval: time.Hour})
	defer s.Close()

	for i := 0; i < 10; i++ {
		ttl := time.Duration(0)
		if i%2 == 0 {
			ttl = time.Second
		}
		s.Set(fmt.Sprintf("k%d", i), []byte("v"), ttl)
	}
	clk.Advance(2 * time.Second)
	if n := s.Sweep(); n != 5 {
		t.Fatalf("Sweep removed %d, want 5", n)
	}
	if s.Len() != 5 {
		t.Fatalf("Len=%d want 5", s.Len())
	}
}

func TestMetrics(t *testing.T) {
	s := New(Options{})
	defer s.Close()

	s.Set("a", []byte("123"), 0)
	s.Set("b", []byte("5"), 0)
	s.Update("a", func(old []byte) []byte { return append(append([]byte{}, old...), []byte("++")...) })
	s.Get("a")
	s.Get("missing")
	s.GetDel("b")

	st := s.Metrics()
	if st.Keys != 1 {
		t.Fatalf("Keys=1 expected, got %d", st.Keys)
	}
	if st.Sets != 2 || st.Updates != 1 {
		t.Fatalf("Sets=2 Updates=1 expected, got %d %d", st.Sets, st.Updates)
	}
	if st.Gets != 3 || st.Hits != 2 || st.Misses != 1 {
		t.Fatalf("Gets/Hits/Misses mismatch: %d/%d/%d", st.Gets, st.Hits, st.Misses)
	}
	if st.Dels != 1 {
		t.Fatalf("Dels=1 expected, got %d", st.Dels)
	}
	if st.Bytes != uint64(len("123++")) {
		t.Fatalf("Bytes=%d expected, got %d", len("123++"), st.Bytes)
	}
}

func TestUpdateMissing(t *testing.T) {
	s := New(Options{})
	defer s.Close()
	if s.Update("nope", func(b []byte) []byte { return b }) {
		t.Fatalf("Update on a missing key must report false")
	}
}

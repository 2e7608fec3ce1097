// Package reassembly accumulates fragments per message id and hands each
// complete message to a completion callback exactly once.
//
// Lost fragments are never retransmitted. Without a stall timeout an
// incomplete message stays pending for the life of the store.
package reassembly

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"pipemesh/pkg/api"
	"pipemesh/pkg/memkv"
	"pipemesh/pkg/protocol"
)

// CompleteFunc receives a reassembled payload and its message type. It runs
// synchronously on the goroutine that delivered the last fragment.
type CompleteFunc func(data []byte, tag api.MessageType)

// DefaultTombstone is how long a completed message id is remembered.
const DefaultTombstone = time.Minute

// DefaultMaxFragments bounds the fragment count of one message unless
// WithMaxFragments says otherwise.
const DefaultMaxFragments = 4096

// Option configures a Store.
type Option func(*Store)

// WithStallTimeout evicts entries that have not completed within d. Zero
// keeps them forever.
func WithStallTimeout(d time.Duration) Option { return func(s *Store) { s.stall = d } }

// WithTombstone sets how long completed ids are remembered so late
// duplicates are dropped instead of starting a new entry.
func WithTombstone(d time.Duration) Option { return func(s *Store) { s.tombstone = d } }

// WithMaxFragments drops fragments announcing more than n fragments for
// their message. The slot table of a message is sized from that count.
func WithMaxFragments(n int) Option { return func(s *Store) { s.maxFragments = n } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// Stats counts store activity.
type Stats struct {
	Fragments  uint64
	Completed  uint64
	Duplicates uint64
	Dropped    uint64
	Evicted    uint64
	// Oversized counts fragments rejected for announcing too many fragments.
	Oversized uint64
}

// Store is safe for concurrent use by any number of read callbacks.
type Store struct {
	complete     CompleteFunc
	stall        time.Duration
	tombstone    time.Duration
	maxFragments int
	now          func() time.Time

	entries sync.Map // message id -> *entry
	done    *memkv.Store

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	fragments, completed, duplicates, dropped, evicted, oversized atomic.Uint64
}

type entry struct {
	mu      sync.Mutex
	tag     api.MessageType
	slots   []*protocol.Fragment
	have    int
	fired   bool
	created time.Time
}

// New returns a store that calls complete for every finished message.
func New(complete CompleteFunc, opts ...Option) *Store {
	s := &Store{
		complete:     complete,
		tombstone:    DefaultTombstone,
		maxFragments: DefaultMaxFragments,
		now:          time.Now,
		stop:         make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.maxFragments <= 0 {
		s.maxFragments = DefaultMaxFragments
	}
	s.done = memkv.New(memkv.Options{Shards: 16, Now: s.now})
	if s.stall > 0 {
		s.wg.Add(1)
		go s.janitor()
	}
	return s
}

// Close stops background eviction.
func (s *Store) Close() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
	s.done.Close()
}

// Add records one fragment. Fragments for a finished message are ignored.
func (s *Store) Add(f protocol.Fragment) error {
	if err := f.Validate(); err != nil {
		return err
	}
	s.fragments.Add(1)
	if f.TotalCount > s.maxFragments {
		s.oversized.Add(1)
		zap.L().Warn("dropping fragment of oversized message",
			zap.String("message_id", f.MessageID),
			zap.Int("total", f.TotalCount),
			zap.Int("limit", s.maxFragments))
		return fmt.Errorf("%w: total %d exceeds limit %d", protocol.ErrInvalidFragment, f.TotalCount, s.maxFragments)
	}
	if s.done.Exists(f.MessageID) {
		s.duplicates.Add(1)
		return nil
	}

	v, ok := s.entries.Load(f.MessageID)
	if !ok {
		v, _ = s.entries.LoadOrStore(f.MessageID, &entry{
			tag:     f.MessageTypeTag,
			slots:   make([]*protocol.Fragment, f.TotalCount),
			created: s.now(),
		})
	}
	e := v.(*entry)

	e.mu.Lock()
	if !e.fired && e.have == 0 && s.done.Exists(f.MessageID) {
		// lost a race with the completion of the same id
		e.fired = true
		s.entries.CompareAndDelete(f.MessageID, e)
	}
	if e.fired {
		e.mu.Unlock()
		s.duplicates.Add(1)
		return nil
	}
	if f.TotalCount != len(e.slots) {
		e.mu.Unlock()
		s.dropped.Add(1)
		zap.L().Warn("fragment total mismatch",
			zap.String("message_id", f.MessageID),
			zap.Int("total", f.TotalCount),
			zap.Int("expected", len(e.slots)))
		return nil
	}
	if e.slots[f.SequenceIndex] == nil {
		e.have++
	} else {
		s.duplicates.Add(1)
	}
	frag := f
	e.slots[f.SequenceIndex] = &frag
	if e.have < len(e.slots) {
		e.mu.Unlock()
		return nil
	}
	e.fired = true
	frags := make([]protocol.Fragment, len(e.slots))
	for i, p := range e.slots {
		frags[i] = *p
	}
	e.mu.Unlock()

	s.done.Set(f.MessageID, nil, s.tombstone)
	s.entries.CompareAndDelete(f.MessageID, e)

	data, err := protocol.Join(frags)
	if err != nil {
		return err
	}
	s.completed.Add(1)
	zap.L().Debug("message reassembled",
		zap.String("message_id", f.MessageID),
		zap.String("type", string(e.tag)),
		zap.Int("fragments", len(frags)),
		zap.Int("bytes", len(data)))
	s.complete(data, e.tag)
	return nil
}

// Pending returns the number of incomplete messages.
func (s *Store) Pending() int {
	n := 0
	s.entries.Range(func(_, _ any) bool { n++; return true })
	return n
}

// Has reports whether id has an incomplete entry.
func (s *Store) Has(id string) bool {
	_, ok := s.entries.Load(id)
	return ok
}

// Stats returns the counters.
func (s *Store) Stats() Stats {
	return Stats{
		Fragments:  s.fragments.Load(),
		Completed:  s.completed.Load(),
		Duplicates: s.duplicates.Load(),
		Dropped:    s.dropped.Load(),
		Evicted:    s.evicted.Load(),
		Oversized:  s.oversized.Load(),
	}
}

// Sweep evicts entries created before cutoff and returns how many went.
func (s *Store) Sweep(cutoff time.Time) int {
	n := 0
	s.entries.Range(func(k, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		stale := !e.fired && e.created.Before(cutoff)
		have, total := e.have, len(e.slots)
		e.mu.Unlock()
		if stale && s.entries.CompareAndDelete(k, e) {
			n++
			s.evicted.Add(1)
			zap.L().Warn("evicted stalled message",
				zap.String("message_id", k.(string)),
				zap.Int("have", have),
				zap.Int("total", total))
		}
		return true
	})
	s.done.Sweep()
	return n
}

func (s *Store) janitor() {
	defer s.wg.Done()
	interval := s.stall / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			s.Sweep(s.now().Add(-s.stall))
		}
	}
}

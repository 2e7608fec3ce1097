package memkv

import (
	"sync"
	"sync/atomic"
	"time"
)

// Options tune a Store.
type Options struct {
	// Shards is the number of lock stripes (default 64).
	Shards int
	// JanitorInterval is how often expired keys are swept (default 1s).
	JanitorInterval time.Duration
	// Now overrides the clock in tests.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Shards <= 0 {
		o.Shards = 64
	}
	if o.JanitorInterval <= 0 {
		o.JanitorInterval = time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Store is safe for concurrent use. Close stops the janitor.
type Store struct {
	opts   Options
	shards []shard
	stop   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	mKeys    atomic.Int64
	mBytes   atomic.Int64
	mSets    atomic.Uint64
	mGets    atomic.Uint64
	mHits    atomic.Uint64
	mMisses  atomic.Uint64
	mDels    atomic.Uint64
	mExpired atomic.Uint64
	mUpdates atomic.Uint64
}

type shard struct {
	mu sync.RWMutex
	m  map[string]*entry
}

type entry struct {
	val      []byte
	expireAt int64 // unix nano; 0 = never
}

func (e *entry) expired(now int64) bool { return e.expireAt != 0 && e.expireAt <= now }

// New creates a store and starts its janitor.
func New(opts Options) *Store {
	opts = opts.withDefaults()
	s := &Store{opts: opts, shards: make([]shard, opts.Shards), stop: make(chan struct{})}
	for i := range s.shards {
		s.shards[i].m = make(map[string]*entry)
	}
	s.wg.Add(1)
	go s.janitor()
	return s
}

// Close stops background work. The store stays readable.
func (s *Store) Close() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
}

func (s *Store) shardFor(key string) *shard {
	// FNV-1a 64
	var h uint64 = 14695981039346656037
	for i := 0; i < len(key); i++ {
		h ^= uint64(key[i])
		h *= 1099511628211
	}
	return &s.shards[int(h%uint64(len(s.shards)))]
}

func (s *Store) deadline(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return s.opts.Now().Add(ttl).UnixNano()
}

func clone(b []byte) []byte { return append([]byte(nil), b...) }

// Set stores val under key. ttl <= 0 means no expiry. It reports whether the
// key was newly created.
func (s *Store) Set(key string, val []byte, ttl time.Duration) bool {
	sh := s.shardFor(key)
	now := s.opts.Now().UnixNano()
	e := &entry{val: clone(val), expireAt: s.deadline(ttl)}
	sh.mu.Lock()
	old, ok := sh.m[key]
	sh.m[key] = e
	sh.mu.Unlock()
	s.mSets.Add(1)
	s.mBytes.Add(int64(len(e.val)))
	if ok {
		s.mBytes.Add(-int64(len(old.val)))
		if old.expired(now) {
			s.mExpired.Add(1)
			return true
		}
		return false
	}
	s.mKeys.Add(1)
	return true
}

// SetNX stores val only if key is absent or expired. It reports whether the
// value was stored.
func (s *Store) SetNX(key string, val []byte, ttl time.Duration) bool {
	sh := s.shardFor(key)
	now := s.opts.Now().UnixNano()
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if old, ok := sh.m[key]; ok {
		if !old.expired(now) {
			return false
		}
		s.dropLocked(sh, key, old, true)
	}
	e := &entry{val: clone(val), expireAt: s.deadline(ttl)}
	sh.m[key] = e
	s.mSets.Add(1)
	s.mKeys.Add(1)
	s.mBytes.Add(int64(len(e.val)))
	return true
}

// Get returns a copy of the value.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mGets.Add(1)
	sh := s.shardFor(key)
	now := s.opts.Now().UnixNano()
	sh.mu.RLock()
	e, ok := sh.m[key]
	if ok && !e.expired(now) {
		v := clone(e.val)
		sh.mu.RUnlock()
		s.mHits.Add(1)
		return v, true
	}
	sh.mu.RUnlock()
	if ok {
		s.expireKey(sh, key, now)
	}
	s.mMisses.Add(1)
	return nil, false
}

// GetDel returns the value and removes the key.
func (s *Store) GetDel(key string) ([]byte, bool) {
	s.mGets.Add(1)
	sh := s.shardFor(key)
	now := s.opts.Now().UnixNano()
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.m[key]
	if !ok {
		s.mMisses.Add(1)
		return nil, false
	}
	if e.expired(now) {
		s.dropLocked(sh, key, e, true)
		s.mMisses.Add(1)
		return nil, false
	}
	s.dropLocked(sh, key, e, false)
	s.mHits.Add(1)
	return e.val, true
}

// Update replaces the value of an existing key with fn(old), keeping its TTL.
// fn runs under the shard lock and must not call back into the store.
func (s *Store) Update(key string, fn func(old []byte) []byte) bool {
	sh := s.shardFor(key)
	now := s.opts.Now().UnixNano()
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.m[key]
	if !ok {
		return false
	}
	if e.expired(now) {
		s.dropLocked(sh, key, e, true)
		return false
	}
	next := clone(fn(e.val))
	s.mBytes.Add(int64(len(next) - len(e.val)))
	e.val = next
	s.mUpdates.Add(1)
	return true
}

// Exists reports whether key is present and not expired.
func (s *Store) Exists(key string) bool {
	sh := s.shardFor(key)
	now := s.opts.Now().UnixNano()
	sh.mu.RLock()
	e, ok := sh.m[key]
	ok = ok && !e.expired(now)
	sh.mu.RUnlock()
	return ok
}

// Delete removes key.
func (s *Store) Delete(key string) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.m[key]
	if ok {
		s.dropLocked(sh, key, e, false)
	}
	return ok
}

// Expire sets a new TTL. ttl <= 0 deletes the key.
func (s *Store) Expire(key string, ttl time.Duration) bool {
	if ttl <= 0 {
		return s.Delete(key)
	}
	sh := s.shardFor(key)
	now := s.opts.Now().UnixNano()
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.m[key]
	if !ok {
		return false
	}
	if e.expired(now) {
		s.dropLocked(sh, key, e, true)
		return false
	}
	e.expireAt = s.deadline(ttl)
	return true
}

// TTL returns the remaining lifetime. A key without expiry reports 0, true.
func (s *Store) TTL(key string) (time.Duration, bool) {
	sh := s.shardFor(key)
	now := s.opts.Now().UnixNano()
	sh.mu.RLock()
	e, ok := sh.m[key]
	var exp int64
	if ok {
		exp = e.expireAt
	}
	sh.mu.RUnlock()
	switch {
	case !ok:
		return 0, false
	case exp == 0:
		return 0, true
	case exp <= now:
		s.expireKey(sh, key, now)
		return 0, false
	}
	return time.Duration(exp - now), true
}

// Len returns the number of stored keys, including expired ones not yet swept.
func (s *Store) Len() int { return int(s.mKeys.Load()) }

// Stats is a point-in-time view of the counters.
type Stats struct {
	Keys    uint64
	Bytes   uint64
	Sets    uint64
	Gets    uint64
	Hits    uint64
	Misses  uint64
	Dels    uint64
	Expired uint64
	Updates uint64
}

// Metrics returns the current counters.
func (s *Store) Metrics() Stats {
	return Stats{
		Keys:    uint64(s.mKeys.Load()),
		Bytes:   uint64(s.mBytes.Load()),
		Sets:    s.mSets.Load(),
		Gets:    s.mGets.Load(),
		Hits:    s.mHits.Load(),
		Misses:  s.mMisses.Load(),
		Dels:    s.mDels.Load(),
		Expired: s.mExpired.Load(),
		Updates: s.mUpdates.Load(),
	}
}

// Sweep removes every expired key and returns how many were dropped.
func (s *Store) Sweep() int {
	now := s.opts.Now().UnixNano()
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, e := range sh.m {
			if e.expired(now) {
				s.dropLocked(sh, k, e, true)
				n++
			}
		}
		sh.mu.Unlock()
	}
	return n
}

func (s *Store) janitor() {
	defer s.wg.Done()
	t := time.NewTicker(s.opts.JanitorInterval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			s.Sweep()
		}
	}
}

func (s *Store) expireKey(sh *shard, key string, now int64) {
	sh.mu.Lock()
	if e, ok := sh.m[key]; ok && e.expired(now) {
		s.dropLocked(sh, key, e, true)
	}
	sh.mu.Unlock()
}

func (s *Store) dropLocked(sh *shard, key string, e *entry, expired bool) {
	delete(sh.m, key)
	s.mKeys.Add(-1)
	s.mBytes.Add(-int64(len(e.val)))
	if expired {
		s.mExpired.Add(1)
	} else {
		s.mDels.Add(1)
	}
}

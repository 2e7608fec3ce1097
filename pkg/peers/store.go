package peers

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"pipemesh/pkg/memkv"
)

// Store keeps peer metadata and counters in the in-memory KV. Entries of
// registered peers never expire; Expire retires an entry once its peer is
// removed.
type Store struct {
	kv *memkv.Store
	// lightweight index of known peer IDs
	idxMu     sync.RWMutex
	peerIndex map[string]struct{}
}

func NewStore(kv *memkv.Store) *Store {
	return &Store{kv: kv, peerIndex: make(map[string]struct{})}
}

// PeerMeta is what the table knows about one peer beyond its handle.
type PeerMeta struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	PipeName   string `json:"pipe_name,omitempty"`
	Host       string `json:"host,omitempty"`
	CallbackID string `json:"callback_id,omitempty"`
	Connected  bool   `json:"connected"`
	AddedAt    int64  `json:"added_unix_ms"`
	LastSeen   int64  `json:"last_seen_unix_ms"`
	// Counters
	MsgsIn   uint64 `json:"msgs_in"`
	MsgsOut  uint64 `json:"msgs_out"`
	BytesIn  uint64 `json:"bytes_in"`
	BytesOut uint64 `json:"bytes_out"`
}

func keyPeer(id string) string { return "peer:" + id }

func (s *Store) Upsert(meta PeerMeta) {
	b, _ := json.Marshal(meta)
	s.kv.Set(keyPeer(meta.ID), b, 0)
	s.idxMu.Lock()
	s.peerIndex[meta.ID] = struct{}{}
	s.idxMu.Unlock()
	zap.L().Debug("peer upsert", zap.String("peer", meta.ID), zap.String("kind", meta.Kind))
}

func (s *Store) Get(id string) (PeerMeta, bool) {
	b, ok := s.kv.Get(keyPeer(id))
	if !ok {
		return PeerMeta{}, false
	}
	var pm PeerMeta
	if err := json.Unmarshal(b, &pm); err != nil {
		return PeerMeta{}, false
	}
	return pm, true
}

func (s *Store) update(id string, fn func(*PeerMeta)) {
	_ = s.kv.Update(keyPeer(id), func(old []byte) []byte {
		var pm PeerMeta
		_ = json.Unmarshal(old, &pm)
		pm.ID = id
		fn(&pm)
		b, _ := json.Marshal(pm)
		return b
	})
}

// Touch updates last-seen.
func (s *Store) Touch(id string, when time.Time) {
	if when.IsZero() {
		when = time.Now()
	}
	s.update(id, func(pm *PeerMeta) { pm.LastSeen = when.UnixMilli() })
}

// RecordExchange updates message/byte counters for a peer.
func (s *Store) RecordExchange(id string, inBytes, outBytes, inMsgs, outMsgs uint64) {
	now := time.Now().UnixMilli()
	s.update(id, func(pm *PeerMeta) {
		pm.MsgsIn += inMsgs
		pm.MsgsOut += outMsgs
		pm.BytesIn += inBytes
		pm.BytesOut += outBytes
		pm.LastSeen = now
	})
}

// SetCallbackID records the id the controller knows the peer's agent by.
func (s *Store) SetCallbackID(id, callback string) {
	s.update(id, func(pm *PeerMeta) { pm.CallbackID = callback })
	zap.L().Info("peer callback assigned", zap.String("peer", id), zap.String("callback", callback))
}

// MarkDisconnected flags the peer's link as down.
func (s *Store) MarkDisconnected(id string) {
	s.update(id, func(pm *PeerMeta) { pm.Connected = false })
	zap.L().Info("peer disconnected", zap.String("peer", id))
}

// Expire sets a custom TTL for a peer entry, used to retire removed peers
// without dropping their counters at once.
func (s *Store) Expire(id string, ttl time.Duration) {
	_ = s.kv.Expire(keyPeer(id), ttl)
	s.idxMu.Lock()
	delete(s.peerIndex, id)
	s.idxMu.Unlock()
	zap.L().Debug("peer expire set", zap.String("peer", id), zap.Duration("ttl", ttl))
}

// ListPeerIDs returns a sorted snapshot of peers with live metadata.
func (s *Store) ListPeerIDs() []string {
	s.idxMu.RLock()
	out := make([]string, 0, len(s.peerIndex))
	for id := range s.peerIndex {
		out = append(out, id)
	}
	s.idxMu.RUnlock()
	live := out[:0]
	for _, id := range out {
		if s.kv.Exists(keyPeer(id)) {
			live = append(live, id)
		}
	}
	sort.Strings(live)
	return live
}

// Package session tracks the keying state of one channel and turns typed
// messages into sealed wire payloads and back.
package session

import (
	"errors"
	"sync/atomic"

	"pipemesh/pkg/crypto/suite"
)

// State is the handshake state of a channel.
type State int32

const (
	Disconnected State = iota
	HandshakePending
	Established
)

func (s State) String() string {
	switch s {
	case HandshakePending:
		return "handshake_pending"
	case Established:
		return "established"
	default:
		return "disconnected"
	}
}

// ErrNotEstablished is returned by operations that need a keyed session.
var ErrNotEstablished = errors.New("session not established")

// Snapshot is an immutable view of the session. A new one replaces the old
// on every change, so the key and the id are always read as a pair.
type Snapshot struct {
	State  State
	ID     string
	Cipher suite.Cipher
}

// Session holds the current Snapshot.
type Session struct {
	initialID string
	base      suite.Cipher
	cur       atomic.Pointer[Snapshot]
}

// New returns a disconnected session that seals with base (the pre-shared
// key, or suite None) and identifies as id.
func New(id string, base suite.Cipher) *Session {
	s := &Session{initialID: id, base: base}
	s.cur.Store(&Snapshot{State: Disconnected, ID: id, Cipher: base})
	return s
}

// Snapshot returns the current view.
func (s *Session) Snapshot() Snapshot { return *s.cur.Load() }

func (s *Session) State() State { return s.cur.Load().State }
func (s *Session) ID() string   { return s.cur.Load().ID }

// BeginHandshake moves a session to HandshakePending, keeping its key.
func (s *Session) BeginHandshake() {
	s.update(func(n *Snapshot) { n.State = HandshakePending })
}

// Establish installs a new key and id in a single swap.
func (s *Session) Establish(id string, c suite.Cipher) {
	s.cur.Store(&Snapshot{State: Established, ID: id, Cipher: c})
}

// EstablishDefault marks the session established on the pre-shared key.
func (s *Session) EstablishDefault() {
	s.update(func(n *Snapshot) {
		n.State = Established
		n.Cipher = s.base
	})
}

// SetID replaces only the identifier.
func (s *Session) SetID(id string) {
	s.update(func(n *Snapshot) { n.ID = id })
}

// Reset returns to the initial id and the pre-shared key.
func (s *Session) Reset() {
	s.cur.Store(&Snapshot{State: Disconnected, ID: s.initialID, Cipher: s.base})
}

func (s *Session) update(fn func(*Snapshot)) {
	for {
		old := s.cur.Load()
		next := *old
		fn(&next)
		if s.cur.CompareAndSwap(old, &next) {
			return
		}
	}
}

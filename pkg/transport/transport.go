package transport

import (
	"context"
	"net"
	"time"
)

// Kind identifies a link type.
type Kind int

const (
	KindUnknown Kind = iota
	KindPipe
	KindMem
)

func (k Kind) String() string {
	switch k {
	case KindPipe:
		return "pipe"
	case KindMem:
		return "mem"
	default:
		return "unknown"
	}
}

// PeerID is an opaque identity of the remote end of a session.
type PeerID string

// PeerInfo bundles peer identity and addressing hints.
type PeerInfo struct {
	ID   PeerID
	Addr string // transport-dependent address string
}

// Quality is a snapshot of session activity.
type Quality struct {
	EstablishedAt time.Time
	LastSeen      time.Time
	BytesIn       uint64
	BytesOut      uint64
}

// Stream exchanges whole frames. One reader goroutine and any number of
// writers are allowed; writes are serialized internally.
type Stream interface {
	// SendBytes writes one frame.
	SendBytes([]byte) error
	// RecvBytes blocks for the next frame.
	RecvBytes() ([]byte, error)
	Close() error
}

// Session is a connected link to one peer.
type Session interface {
	Stream
	Peer() PeerInfo
	TransportKind() Kind
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	Quality() Quality
}

// Listener accepts inbound sessions.
type Listener interface {
	// Accept blocks until an inbound session is available or ctx is done.
	Accept(ctx context.Context) (Session, error)
	// Addr returns the local listening address.
	Addr() net.Addr
	// Close stops the listener and unblocks Accept.
	Close() error
}

// Transport provides dialing/listening for a specific link kind.
type Transport interface {
	Kind() Kind
	// Listen starts accepting inbound sessions on address (transport-specific format).
	Listen(ctx context.Context, address string) (Listener, error)
	// Dial creates an outbound session to address.
	Dial(ctx context.Context, address string, peer PeerInfo) (Session, error)
}

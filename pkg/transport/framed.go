package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultMaxFrame bounds a frame when the caller does not.
const DefaultMaxFrame = 1 << 24

// FramedSession carries u32 little-endian length-prefixed frames over a
// net.Conn. Every transport in this module uses it.
type FramedSession struct {
	wmu      sync.Mutex
	peer     PeerInfo
	kind     Kind
	c        net.Conn
	br       *bufio.Reader
	bw       *bufio.Writer
	maxFrame int

	establishedAt time.Time
	lastSeen      atomic.Int64
	bytesIn       atomic.Uint64
	bytesOut      atomic.Uint64
}

// NewFramedSession wraps c. Frames larger than maxFrame are rejected in both
// directions; maxFrame <= 0 selects DefaultMaxFrame.
func NewFramedSession(c net.Conn, kind Kind, peer PeerInfo, maxFrame int) *FramedSession {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	return &FramedSession{
		peer:          peer,
		kind:          kind,
		c:             c,
		br:            bufio.NewReader(c),
		bw:            bufio.NewWriter(c),
		maxFrame:      maxFrame,
		establishedAt: time.Now(),
	}
}

func (s *FramedSession) Peer() PeerInfo       { return s.peer }
func (s *FramedSession) TransportKind() Kind  { return s.kind }
func (s *FramedSession) LocalAddr() net.Addr  { return s.c.LocalAddr() }
func (s *FramedSession) RemoteAddr() net.Addr { return s.c.RemoteAddr() }
func (s *FramedSession) Close() error         { return s.c.Close() }

func (s *FramedSession) Quality() Quality {
	q := Quality{EstablishedAt: s.establishedAt, BytesIn: s.bytesIn.Load(), BytesOut: s.bytesOut.Load()}
	if ns := s.lastSeen.Load(); ns != 0 {
		q.LastSeen = time.Unix(0, ns)
	}
	return q
}

// SendBytes writes one frame.
func (s *FramedSession) SendBytes(b []byte) error {
	if len(b) > s.maxFrame {
		return fmt.Errorf("frame of %d bytes exceeds limit %d", len(b), s.maxFrame)
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	var lenbuf [4]byte
	binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(b)))
	if _, err := s.bw.Write(lenbuf[:]); err != nil {
		return err
	}
	if _, err := s.bw.Write(b); err != nil {
		return err
	}
	if err := s.bw.Flush(); err != nil {
		return err
	}
	s.bytesOut.Add(uint64(len(b)))
	s.lastSeen.Store(time.Now().UnixNano())
	return nil
}

// RecvBytes reads the next frame. It must be called from one goroutine.
func (s *FramedSession) RecvBytes() ([]byte, error) {
	var lenbuf [4]byte
	if _, err := io.ReadFull(s.br, lenbuf[:]); err != nil {
		return nil, err
	}
	n := int(binary.LittleEndian.Uint32(lenbuf[:]))
	if n > s.maxFrame {
		return nil, fmt.Errorf("invalid frame size %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.br, buf); err != nil {
		return nil, err
	}
	s.bytesIn.Add(uint64(n))
	s.lastSeen.Store(time.Now().UnixNano())
	return buf, nil
}

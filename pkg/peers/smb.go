package peers

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pipemesh/pkg/api"
	"pipemesh/pkg/ipc"
	"pipemesh/pkg/protocol"
	"pipemesh/pkg/reassembly"
	"pipemesh/pkg/transport"
)

const smbProfile = "smb"

var ErrNotConnected = errors.New("peer link is not connected")

// SMBPeer links to a child agent serving a named pipe. Traffic is opaque
// in both directions: delegates from the controller are fragmented and
// written to the pipe, and whole messages from the child go to the sink.
type SMBPeer struct {
	id       string
	info     api.PeerInformation
	tr       transport.Transport
	sink     api.DelegateSink
	store    *Store
	fragSize int
	rs       *reassembly.Store

	mu        sync.Mutex
	conn      *ipc.Conn
	connected atomic.Bool
	ready     chan struct{}
	readyOnce sync.Once
}

func newSMBPeer(info api.PeerInformation, tr transport.Transport, sink api.DelegateSink, store *Store, fragSize int) *SMBPeer {
	p := &SMBPeer{
		id:       uuid.NewString(),
		info:     info,
		tr:       tr,
		sink:     sink,
		store:    store,
		fragSize: fragSize,
		ready:    make(chan struct{}),
	}
	p.rs = reassembly.New(p.deliver)
	return p
}

func (p *SMBPeer) ID() string         { return p.id }
func (p *SMBPeer) Kind() api.PeerKind { return api.PeerSMB }
func (p *SMBPeer) Connected() bool    { return p.connected.Load() }

// Address is the pipe the peer dials, host qualified when remote.
func (p *SMBPeer) Address() string {
	if p.info.Host == "" || p.info.Host == "." {
		return p.info.PipeName
	}
	return p.info.Host + "/" + p.info.PipeName
}

// Start dials the child's pipe and returns once the link is being served.
// The link may already be down again by then; Connected reports that.
func (p *SMBPeer) Start(ctx context.Context) error {
	conn, err := ipc.Dial(ctx, p.tr, p.Address(), transport.PeerInfo{ID: transport.PeerID(p.id), Addr: p.Address()}, p)
	if err != nil {
		return err
	}
	select {
	case <-p.ready:
		return nil
	case <-ctx.Done():
		_ = conn.Close()
		return ctx.Err()
	}
}

// ProcessMessage writes the delegate's payload to the child. The fragments
// of one delegate are queued back to back so they reach the pipe in order.
func (p *SMBPeer) ProcessMessage(msg api.DelegateMessage) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil || !p.connected.Load() {
		return ErrNotConnected
	}
	raw, err := base64.StdEncoding.DecodeString(msg.Message)
	if err != nil {
		return fmt.Errorf("decode delegate payload: %w", err)
	}
	frames, err := protocol.Frames(api.TypeDelegate, raw, p.fragSize)
	if err != nil {
		return err
	}
	for _, f := range frames {
		conn.WriteAsync(f, p.writeDone)
	}
	return nil
}

func (p *SMBPeer) writeDone(err error) {
	if err != nil {
		zap.L().Warn("peer write failed", zap.String("peer", p.id), zap.Error(err))
	}
}

func (p *SMBPeer) Close() error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	p.connected.Store(false)
	var err error
	if conn != nil {
		err = conn.Close()
	}
	p.rs.Close()
	return err
}

func (p *SMBPeer) OnConnect(c *ipc.Conn) {
	p.mu.Lock()
	p.conn = c
	p.mu.Unlock()
	p.connected.Store(true)
	p.readyOnce.Do(func() { close(p.ready) })
}

func (p *SMBPeer) OnDisconnect(*ipc.Conn) {
	p.connected.Store(false)
	p.store.MarkDisconnected(p.id)
}

func (p *SMBPeer) OnMessage(_ *ipc.Conn, b []byte) {
	f, err := protocol.DecodeFragment(b)
	if err != nil {
		zap.L().Warn("dropping bad peer fragment", zap.String("peer", p.id), zap.Error(err))
		return
	}
	if err := p.rs.Add(f); err != nil {
		zap.L().Warn("peer reassembly failed", zap.String("peer", p.id), zap.Error(err))
	}
}

// deliver wraps a whole message from the child for the next upstream batch.
func (p *SMBPeer) deliver(data []byte, _ api.MessageType) {
	p.store.RecordExchange(p.id, uint64(len(data)), 0, 1, 0)
	p.sink.AddDelegate(api.DelegateMessage{
		UUID:      p.id,
		C2Profile: smbProfile,
		Message:   base64.StdEncoding.EncodeToString(data),
	})
}

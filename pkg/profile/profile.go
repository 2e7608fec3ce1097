// Package profile is the agent's upstream channel. It serves the configured
// pipe, keys the session, and moves messages between the task source and
// the wire: Send fragments and queues, the per-connection writer drains the
// queue one write at a time, and the read path reassembles fragments into
// typed messages for Recv.
package profile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"pipemesh/pkg/api"
	"pipemesh/pkg/config"
	"pipemesh/pkg/crypto/suite"
	"pipemesh/pkg/ipc"
	"pipemesh/pkg/protocol"
	"pipemesh/pkg/protocol/codec"
	"pipemesh/pkg/queue"
	"pipemesh/pkg/reassembly"
	"pipemesh/pkg/session"
	"pipemesh/pkg/transport"
	"pipemesh/pkg/transport/pipe"
)

// ErrUnsupported is returned by SendRecv: the profile only moves messages
// through its queues.
var ErrUnsupported = errors.New("profile: synchronous send-receive is not supported")

// Option customizes a Profile.
type Option func(*Profile)

// WithTransport replaces the transport implied by the profile kind.
func WithTransport(tr transport.Transport) Option { return func(p *Profile) { p.tr = tr } }

// WithRouter sets where delegates from the controller are forwarded.
func WithRouter(r api.Router) Option { return func(p *Profile) { p.router = r } }

// WithCodecRegistry replaces the codec registry used by the serializer.
func WithCodecRegistry(reg *codec.Registry) Option { return func(p *Profile) { p.reg = reg } }

// WithBaseCipher sets the cipher the channel starts with, normally the
// pre-shared key. The default is no encryption.
func WithBaseCipher(c suite.Cipher) Option { return func(p *Profile) { p.base = c } }

// Stats is a point-in-time view of profile counters.
type Stats struct {
	Sent          uint64
	Received      uint64
	Routed        uint64
	RoutingMisses uint64
	WriteFailures uint64
	Outbound      int
	Inbound       int
	Reassembly    reassembly.Stats
	Pending       int
}

// Profile owns one served channel and everything that feeds it.
type Profile struct {
	cfg    config.ProfileConfig
	tasks  api.TaskSource
	router api.Router
	tr     transport.Transport
	reg    *codec.Registry
	base   suite.Cipher

	sess     *session.Session
	ser      *session.Serializer
	out      *queue.Outbound
	in       *queue.Inbound
	rs       *reassembly.Store
	srv      *ipc.Server
	fragSize int

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	started   bool
	writers   map[*ipc.Conn]*writer
	checkedIn atomic.Bool

	sent, received, routed, missed, writeFailures atomic.Uint64
}

// New builds a profile identifying as id until the controller assigns one.
// tasks may be nil when only Connect, Send and Recv are used.
func New(cfg config.ProfileConfig, id string, tasks api.TaskSource, opts ...Option) (*Profile, error) {
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	if len(id) != session.IDLen {
		return nil, fmt.Errorf("profile id %q is not %d bytes", id, session.IDLen)
	}
	p := &Profile{
		cfg:      cfg,
		tasks:    tasks,
		out:      queue.NewOutbound(),
		in:       queue.NewInbound(),
		writers:  make(map[*ipc.Conn]*writer),
		fragSize: protocol.MaxFragmentPayload(cfg.SendSize, cfg.ChunkReserve),
	}
	for _, o := range opts {
		o(p)
	}
	if p.tr == nil {
		tr, err := transportFor(cfg)
		if err != nil {
			return nil, err
		}
		p.tr = tr
	}
	if p.reg == nil {
		p.reg = codec.NewRegistry()
	}
	if p.base == nil {
		p.base, _ = suite.New(suite.None, nil)
	}
	p.sess = session.New(id, p.base)
	p.ser = session.NewSerializer(p.sess, p.reg, cfg.Format, session.RoleAgent)

	ropts := []reassembly.Option{reassembly.WithMaxFragments(cfg.MaxFragments())}
	if d := cfg.StallTimeout(); d > 0 {
		ropts = append(ropts, reassembly.WithStallTimeout(d))
	}
	p.rs = reassembly.New(p.deliver, ropts...)
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.srv = ipc.NewServer(p.tr, cfg.PipeName, p, ipc.ServerOptions{MaxInstances: cfg.MaxInstances})
	return p, nil
}

// transportFor resolves the transport of a profile kind.
func transportFor(cfg config.ProfileConfig) (transport.Transport, error) {
	switch cfg.ProfileKind {
	case api.ProfileSMB:
		return pipe.New(pipe.Options{
			MaxFrame:         max(cfg.SendSize, cfg.RecvSize),
			InputBufferSize:  int32(cfg.RecvSize),
			OutputBufferSize: int32(cfg.SendSize),
		}), nil
	default:
		return nil, &api.ConfigError{Field: "profile kind", Value: cfg.ProfileKind.String()}
	}
}

// Start begins serving the channel. Connect calls it; it is idempotent.
func (p *Profile) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}
	if err := p.srv.Start(p.ctx); err != nil {
		return err
	}
	p.started = true
	return nil
}

// Send serializes msg under the current key, fragments it and queues the
// fragments. It reports false only when the message could not be encoded
// or the profile is closed.
func (p *Profile) Send(msg api.Message) bool {
	if err := p.send(msg); err != nil {
		zap.L().Warn("send failed", zap.String("type", string(msg.Type())), zap.Error(err))
		return false
	}
	return true
}

func (p *Profile) send(msg api.Message) error {
	data, err := p.ser.Serialize(msg)
	if err != nil {
		return err
	}
	frames, err := protocol.Frames(msg.Type(), data, p.fragSize)
	if err != nil {
		return err
	}
	if err := p.out.Push(frames...); err != nil {
		return err
	}
	p.sent.Add(1)
	zap.L().Debug("message queued",
		zap.String("type", string(msg.Type())),
		zap.Int("bytes", len(data)),
		zap.Int("fragments", len(frames)))
	return nil
}

// Recv waits for the next inbound message of type t and passes it to
// handler, returning handler's result.
func (p *Profile) Recv(ctx context.Context, t api.MessageType, handler func(api.Message) bool) (bool, error) {
	m, err := p.in.Recv(ctx, t)
	if err != nil {
		return false, err
	}
	return handler(m), nil
}

// SendRecv is not available on this profile.
func (p *Profile) SendRecv(context.Context, api.Message) (api.Message, error) {
	return nil, ErrUnsupported
}

// IsOneWay reports that responses arrive asynchronously through Recv.
func (p *Profile) IsOneWay() bool { return true }

// IsConnected reports whether checkin completed and a channel instance is
// attached.
func (p *Profile) IsConnected() bool {
	if !p.checkedIn.Load() {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.writers) > 0
}

func (p *Profile) State() session.State { return p.sess.State() }
func (p *Profile) ID() string           { return p.sess.ID() }

// Session exposes the keying state.
func (p *Profile) Session() *session.Session { return p.sess }

// Addr returns the served address, or "" before Start.
func (p *Profile) Addr() string {
	if a := p.srv.Addr(); a != nil {
		return a.String()
	}
	return ""
}

func (p *Profile) Stats() Stats {
	return Stats{
		Sent:          p.sent.Load(),
		Received:      p.received.Load(),
		Routed:        p.routed.Load(),
		RoutingMisses: p.missed.Load(),
		WriteFailures: p.writeFailures.Load(),
		Outbound:      p.out.Len(),
		Inbound:       p.in.Len(),
		Reassembly:    p.rs.Stats(),
		Pending:       p.rs.Pending(),
	}
}

// Close stops serving and wakes every blocked Recv and writer.
func (p *Profile) Close() error {
	p.cancel()
	p.out.Close()
	p.in.Close()
	err := p.srv.Close()
	p.rs.Close()
	return err
}

// deliver is the reassembly completion callback.
func (p *Profile) deliver(data []byte, tag api.MessageType) {
	msg, err := p.ser.Deserialize(data, tag)
	if err != nil {
		zap.L().Warn("dropping undecodable message", zap.String("type", string(tag)), zap.Error(err))
		return
	}
	if err := p.in.Push(msg); err != nil {
		return
	}
	p.received.Add(1)
}

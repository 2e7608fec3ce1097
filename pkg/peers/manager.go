// Package peers is the agent's routing table for other agents reachable
// through it. Each entry maps a peer id to a live link; Route forwards a
// delegate one hop down that link.
package peers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"pipemesh/pkg/api"
	"pipemesh/pkg/memkv"
	"pipemesh/pkg/protocol"
	"pipemesh/pkg/transport"
	"pipemesh/pkg/transport/pipe"
)

var (
	ErrPeerExists   = errors.New("peer already registered")
	ErrPeerNotFound = errors.New("peer not found")
)

// removedPeerTTL keeps metadata of a removed peer around briefly.
const removedPeerTTL = time.Minute

// Peer is a live link to another agent.
type Peer interface {
	ID() string
	Kind() api.PeerKind
	// Start opens the link. It is called once, before registration.
	Start(ctx context.Context) error
	// ProcessMessage forwards a delegate down the link unmodified.
	ProcessMessage(api.DelegateMessage) error
	Connected() bool
	Close() error
}

// Factory constructs an unstarted peer for a link description.
type Factory func(ctx context.Context, info api.PeerInformation) (Peer, error)

// Option customizes a Manager.
type Option func(*Manager)

// WithTransport sets the transport SMB peers dial over.
func WithTransport(tr transport.Transport) Option { return func(m *Manager) { m.tr = tr } }

// WithFactory overrides or adds the factory for kind.
func WithFactory(kind api.PeerKind, f Factory) Option {
	return func(m *Manager) { m.overrides[kind] = f }
}

// WithFragmentSize bounds the fragments peers write; the default matches
// the profile defaults.
func WithFragmentSize(n int) Option { return func(m *Manager) { m.fragSize = n } }

// Manager is the routing table.
type Manager struct {
	sink      api.DelegateSink
	tr        transport.Transport
	fragSize  int
	factories map[api.PeerKind]Factory
	overrides map[api.PeerKind]Factory
	kv        *memkv.Store
	store     *Store

	mu      sync.RWMutex
	peers   map[string]Peer
	aliases map[string]string
}

// NewManager builds a table whose peers hand upstream traffic to sink.
func NewManager(sink api.DelegateSink, opts ...Option) *Manager {
	m := &Manager{
		sink:      sink,
		fragSize:  protocol.MaxFragmentPayload(65536, 1000),
		overrides: make(map[api.PeerKind]Factory),
		peers:     make(map[string]Peer),
		aliases:   make(map[string]string),
	}
	for _, o := range opts {
		o(m)
	}
	if m.tr == nil {
		m.tr = pipe.New(pipe.Options{})
	}
	m.kv = memkv.New(memkv.Options{Shards: 8})
	m.store = NewStore(m.kv)
	m.factories = map[api.PeerKind]Factory{
		api.PeerSMB: m.newSMB,
	}
	for k, f := range m.overrides {
		m.factories[k] = f
	}
	return m
}

func (m *Manager) newSMB(_ context.Context, info api.PeerInformation) (Peer, error) {
	return newSMBPeer(info, m.tr, m.sink, m.store, m.fragSize), nil
}

// Store exposes peer metadata.
func (m *Manager) Store() *Store { return m.store }

// AddPeer opens a link of info.Kind and registers it. An unsupported kind
// is an *api.ConfigError.
func (m *Manager) AddPeer(ctx context.Context, info api.PeerInformation) (Peer, error) {
	f, ok := m.factories[info.Kind]
	if !ok {
		return nil, &api.ConfigError{Field: "peer kind", Value: info.Kind.String()}
	}
	p, err := f(ctx, info)
	if err != nil {
		return nil, fmt.Errorf("construct %s peer: %w", info.Kind, err)
	}
	if err := p.Start(ctx); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("start %s peer: %w", info.Kind, err)
	}

	id := p.ID()
	m.mu.Lock()
	if _, exists := m.peers[id]; exists {
		m.mu.Unlock()
		_ = p.Close()
		return nil, fmt.Errorf("%w: %s", ErrPeerExists, id)
	}
	m.peers[id] = p
	m.mu.Unlock()

	now := time.Now().UnixMilli()
	m.store.Upsert(PeerMeta{
		ID:        id,
		Kind:      info.Kind.String(),
		PipeName:  info.PipeName,
		Host:      info.Host,
		Connected: p.Connected(),
		AddedAt:   now,
		LastSeen:  now,
	})
	// the link may have dropped while the entry was written
	if !p.Connected() {
		m.store.MarkDisconnected(id)
	}
	zap.L().Info("peer added", zap.String("peer", id), zap.String("kind", info.Kind.String()), zap.String("pipe", info.PipeName))
	return p, nil
}

func (m *Manager) lookupLocked(id string) (Peer, bool) {
	if p, ok := m.peers[id]; ok {
		return p, true
	}
	if canon, ok := m.aliases[id]; ok {
		p, ok := m.peers[canon]
		return p, ok
	}
	return nil, false
}

// Route forwards msg to the peer it names. It returns false, touching
// nothing, when the id is unknown or the peer refuses the message.
func (m *Manager) Route(msg api.DelegateMessage) bool {
	m.mu.RLock()
	p, ok := m.lookupLocked(msg.UUID)
	m.mu.RUnlock()
	if !ok {
		return false
	}
	id := p.ID()
	if err := p.ProcessMessage(msg); err != nil {
		zap.L().Warn("forward to peer failed", zap.String("peer", id), zap.Error(err))
		return false
	}
	m.store.RecordExchange(id, 0, uint64(len(msg.Message)), 0, 1)
	if msg.MythicUUID != "" && msg.MythicUUID != id {
		m.mu.Lock()
		if _, taken := m.peers[msg.MythicUUID]; !taken {
			m.aliases[msg.MythicUUID] = id
		}
		m.mu.Unlock()
		m.store.SetCallbackID(id, msg.MythicUUID)
	}
	return true
}

// Get returns the peer registered under id or one of its callback ids.
func (m *Manager) Get(id string) (Peer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lookupLocked(id)
}

// Remove closes and unregisters a peer.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	p, ok := m.lookupLocked(id)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPeerNotFound, id)
	}
	canon := p.ID()
	delete(m.peers, canon)
	for alias, target := range m.aliases {
		if target == canon {
			delete(m.aliases, alias)
		}
	}
	m.mu.Unlock()

	err := p.Close()
	m.store.Expire(canon, removedPeerTTL)
	zap.L().Info("peer removed", zap.String("peer", canon))
	return err
}

// List returns the registered peer ids in sorted order.
func (m *Manager) List() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.peers))
	for id := range m.peers {
		out = append(out, id)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Close closes every peer.
func (m *Manager) Close() error {
	m.mu.Lock()
	peers := m.peers
	m.peers = make(map[string]Peer)
	m.aliases = make(map[string]string)
	m.mu.Unlock()
	var errs []error
	for _, p := range peers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.kv.Close()
	return errors.Join(errs...)
}

// Package controller is the upstream end of an agent channel. It answers
// the staging handshake and the checkin and surfaces tasking batches. The
// ctl tool uses it to drive an agent by hand and tests use it as the far
// side of a profile.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pipemesh/pkg/api"
	"pipemesh/pkg/crypto/suite"
	"pipemesh/pkg/handshake"
	"pipemesh/pkg/ipc"
	"pipemesh/pkg/protocol"
	"pipemesh/pkg/protocol/codec"
	"pipemesh/pkg/reassembly"
	"pipemesh/pkg/session"
	"pipemesh/pkg/transport"
)

// ErrNotConnected is returned when replying before Dial.
var ErrNotConnected = errors.New("controller: not connected")

// placeholderID prefixes messages until the agent has identified itself.
const placeholderID = "00000000-0000-0000-0000-000000000000"

// Options configure a Controller. They mirror the agent's profile settings.
type Options struct {
	Suite    suite.Name
	PSK      []byte
	Format   protocol.Format
	SendSize int
	Reserve  int
	Registry *codec.Registry
	// Backlog bounds the Checkins and Tasking channels.
	Backlog int
}

// Controller serves one agent connection.
type Controller struct {
	opts     Options
	sess     *session.Session
	ser      *session.Serializer
	rs       *reassembly.Store
	fragSize int

	checkins chan *api.CheckinMessage
	tasking  chan *api.TaskingMessage

	mu   sync.Mutex
	conn *ipc.Conn
	done chan struct{}
}

func New(opts Options) (*Controller, error) {
	base, err := suite.New(suite.None, nil)
	if len(opts.PSK) > 0 {
		base, err = suite.New(opts.Suite, opts.PSK)
	}
	if err != nil {
		return nil, err
	}
	if opts.Format == protocol.FormatUnknown {
		opts.Format = protocol.FormatJSON
	}
	if opts.SendSize <= 0 {
		opts.SendSize = 65536
	}
	if opts.Backlog <= 0 {
		opts.Backlog = 64
	}
	c := &Controller{
		opts:     opts,
		sess:     session.New(placeholderID, base),
		fragSize: protocol.MaxFragmentPayload(opts.SendSize, opts.Reserve),
		checkins: make(chan *api.CheckinMessage, opts.Backlog),
		tasking:  make(chan *api.TaskingMessage, opts.Backlog),
		done:     make(chan struct{}),
	}
	if c.fragSize <= 0 {
		return nil, fmt.Errorf("send size %d leaves no room after reserve %d", opts.SendSize, opts.Reserve)
	}
	c.ser = session.NewSerializer(c.sess, opts.Registry, opts.Format, session.RoleController)
	c.rs = reassembly.New(c.deliver)
	return c, nil
}

// Dial connects to the agent's channel at addr.
func (c *Controller) Dial(ctx context.Context, tr transport.Transport, addr string) error {
	conn, err := ipc.Dial(ctx, tr, addr, transport.PeerInfo{ID: "controller", Addr: addr}, c)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.conn == nil {
		c.conn = conn
	}
	c.mu.Unlock()
	return nil
}

// Checkins delivers each checkin after it has been answered.
func (c *Controller) Checkins() <-chan *api.CheckinMessage { return c.checkins }

// Tasking delivers batches the agent posted.
func (c *Controller) Tasking() <-chan *api.TaskingMessage { return c.tasking }

// Done is closed when the connection to the agent ends.
func (c *Controller) Done() <-chan struct{} { return c.done }

// AgentID returns the id the agent is currently known by.
func (c *Controller) AgentID() string { return c.sess.ID() }

// Reply sends resp to the agent under the current key.
func (c *Controller) Reply(resp *api.MessageResponse) error { return c.send(resp) }

// Close drops the connection.
func (c *Controller) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	c.rs.Close()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// OnConnect records the connection before any message can arrive on it.
func (c *Controller) OnConnect(conn *ipc.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Controller) OnDisconnect(*ipc.Conn) { close(c.done) }

func (c *Controller) OnMessage(_ *ipc.Conn, b []byte) {
	f, err := protocol.DecodeFragment(b)
	if err != nil {
		zap.L().Warn("dropping bad fragment", zap.Error(err))
		return
	}
	if err := c.rs.Add(f); err != nil {
		zap.L().Warn("reassembly failed", zap.String("message_id", f.MessageID), zap.Error(err))
	}
}

func (c *Controller) deliver(data []byte, tag api.MessageType) {
	if id, ok := session.PeekID(data); ok && id != c.sess.ID() {
		c.sess.SetID(id)
	}
	msg, err := c.ser.Deserialize(data, tag)
	if err != nil {
		zap.L().Warn("dropping undecodable message", zap.String("type", string(tag)), zap.Error(err))
		return
	}
	if err := c.handle(msg); err != nil {
		zap.L().Warn("handling message failed", zap.String("type", string(msg.Type())), zap.Error(err))
	}
}

func (c *Controller) handle(msg api.Message) error {
	switch m := msg.(type) {
	case *api.EKEHandshakeMessage:
		tempID := uuid.NewString()
		resp, key, err := handshake.Respond(m, tempID)
		if err != nil {
			return err
		}
		// The response still travels under the pre-shared key.
		if err := c.send(resp); err != nil {
			return err
		}
		next, err := suite.New(c.opts.Suite, key)
		if err != nil {
			return err
		}
		c.sess.Establish(tempID, next)
		zap.L().Info("staged agent", zap.String("id", tempID), zap.String("session_id", m.SessionID))
		return nil
	case *api.CheckinMessage:
		callback := uuid.NewString()
		if err := c.send(&api.MessageResponse{Action: "checkin", ID: callback, Status: "success"}); err != nil {
			return err
		}
		c.sess.SetID(callback)
		zap.L().Info("agent checked in", zap.String("callback", callback), zap.String("host", m.Host))
		select {
		case c.checkins <- m:
		default:
		}
		return nil
	case *api.TaskingMessage:
		select {
		case c.tasking <- m:
		default:
			zap.L().Warn("tasking backlog full, dropping batch", zap.Int("delegates", len(m.Delegates)))
		}
		return nil
	default:
		return fmt.Errorf("unexpected %s from agent", msg.Type())
	}
}

func (c *Controller) send(msg api.Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := c.ser.Serialize(msg)
	if err != nil {
		return err
	}
	frames, err := protocol.Frames(msg.Type(), data, c.fragSize)
	if err != nil {
		return err
	}
	for _, f := range frames {
		conn.WriteAsync(f, func(err error) {
			if err != nil {
				zap.L().Warn("controller write failed", zap.Error(err))
			}
		})
	}
	return nil
}

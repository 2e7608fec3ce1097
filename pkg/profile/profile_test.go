package profile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipemesh/pkg/api"
	"pipemesh/pkg/config"
	"pipemesh/pkg/controller"
	"pipemesh/pkg/crypto/suite"
	"pipemesh/pkg/ipc"
	"pipemesh/pkg/protocol"
	"pipemesh/pkg/reassembly"
	"pipemesh/pkg/session"
	"pipemesh/pkg/tasking"
	"pipemesh/pkg/transport"
	"pipemesh/pkg/transport/mem"
)

// tapTransport records every frame the agent side writes.
type tapTransport struct {
	transport.Transport
	mu     sync.Mutex
	frames [][]byte
}

func (t *tapTransport) Listen(ctx context.Context, addr string) (transport.Listener, error) {
	l, err := t.Transport.Listen(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &tapListener{Listener: l, tap: t}, nil
}

func (t *tapTransport) record(b []byte) {
	t.mu.Lock()
	t.frames = append(t.frames, append([]byte(nil), b...))
	t.mu.Unlock()
}

// messages reassembles recorded frames of tag into whole payloads.
func (t *tapTransport) messages(tb testing.TB, tag api.MessageType) [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	byID := map[string][]protocol.Fragment{}
	var order []string
	for _, b := range t.frames {
		f, err := protocol.DecodeFragment(b)
		require.NoError(tb, err)
		if f.MessageTypeTag != tag {
			continue
		}
		if _, ok := byID[f.MessageID]; !ok {
			order = append(order, f.MessageID)
		}
		byID[f.MessageID] = append(byID[f.MessageID], f)
	}
	var out [][]byte
	for _, id := range order {
		data, err := protocol.Join(byID[id])
		require.NoError(tb, err)
		out = append(out, data)
	}
	return out
}

type tapListener struct {
	transport.Listener
	tap *tapTransport
}

func (l *tapListener) Accept(ctx context.Context) (transport.Session, error) {
	s, err := l.Listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return &tapSession{Session: s, tap: l.tap}, nil
}

type tapSession struct {
	transport.Session
	tap *tapTransport
}

func (s *tapSession) SendBytes(b []byte) error {
	s.tap.record(b)
	return s.Session.SendBytes(b)
}

type recordingRouter struct {
	mu    sync.Mutex
	known map[string]bool
	got   []api.DelegateMessage
}

func (r *recordingRouter) Route(d api.DelegateMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.known[d.UUID] {
		return false
	}
	r.got = append(r.got, d)
	return true
}

type harness struct {
	p     *Profile
	ctl   *controller.Controller
	tasks *tasking.Manager
	tap   *tapTransport
	psk   suite.Cipher
}

func testConfig(eke bool) config.ProfileConfig {
	cfg := config.DefaultProfile()
	cfg.PipeName = "agent"
	cfg.EncryptedExchangeCheck = eke
	cfg.RSABits = 2048
	cfg.SendSize = 1024
	cfg.ChunkReserve = 200
	cfg.PollIntervalMS = 10
	return cfg
}

func newHarness(t *testing.T, cfg config.ProfileConfig, ctlPSK []byte, opts ...Option) *harness {
	t.Helper()
	key, err := suite.GenerateKey()
	require.NoError(t, err)
	if ctlPSK == nil {
		ctlPSK = key
	}
	psk, err := suite.New(suite.AES256HMAC, key)
	require.NoError(t, err)

	tr := mem.New(0)
	tap := &tapTransport{Transport: tr}
	tasks := tasking.New(16, -1)
	opts = append([]Option{WithTransport(tap), WithBaseCipher(psk)}, opts...)
	p, err := New(cfg, uuid.NewString(), tasks, opts...)
	require.NoError(t, err)
	require.NoError(t, p.Start())
	t.Cleanup(func() { _ = p.Close() })

	ctl, err := controller.New(controller.Options{
		Suite:    suite.AES256HMAC,
		PSK:      ctlPSK,
		SendSize: cfg.SendSize,
		Reserve:  cfg.ChunkReserve,
	})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ctl.Dial(ctx, tr, cfg.PipeName))
	t.Cleanup(func() { _ = ctl.Close() })
	return &harness{p: p, ctl: ctl, tasks: tasks, tap: tap, psk: psk}
}

func checkin(id string) *api.CheckinMessage {
	return &api.CheckinMessage{Action: "checkin", UUID: id, Host: "workstation", PID: 4242}
}

func TestConnectWithHandshakeUsesSessionKey(t *testing.T) {
	h := newHarness(t, testConfig(true), nil)
	payloadID := h.p.ID()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var got *api.MessageResponse
	ok, err := h.p.Connect(ctx, checkin(payloadID), func(r *api.MessageResponse) bool {
		got = r
		return r.Status == "success"
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, got)

	snap := h.p.Session().Snapshot()
	assert.Equal(t, session.Established, snap.State)
	assert.Equal(t, got.ID, snap.ID, "callback id replaces the staging id")
	require.Eventually(t, func() bool { return h.ctl.AgentID() == snap.ID }, time.Second, 10*time.Millisecond)
	assert.True(t, h.p.IsConnected())

	staging := h.tap.messages(t, api.TypeStaging)
	require.Len(t, staging, 1)
	assert.Equal(t, payloadID, string(staging[0][:session.IDLen]))
	_, err = h.psk.Open(staging[0][session.IDLen:])
	require.NoError(t, err, "staging request travels under the pre-shared key")

	checkins := h.tap.messages(t, api.TypeCheckin)
	require.Len(t, checkins, 1)
	sealed := checkins[0][session.IDLen:]
	_, err = h.psk.Open(sealed)
	assert.ErrorIs(t, err, suite.ErrAuthentication, "checkin must not be sealed with the pre-shared key")
	_, err = snap.Cipher.Open(sealed)
	assert.NoError(t, err)

	select {
	case c := <-h.ctl.Checkins():
		assert.Equal(t, "workstation", c.Host)
	case <-ctx.Done():
		t.Fatal("controller never saw the checkin")
	}
}

func TestConnectWithoutHandshake(t *testing.T) {
	h := newHarness(t, testConfig(false), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ok, err := h.p.Connect(ctx, checkin(h.p.ID()), nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, session.Established, h.p.State())
	assert.Empty(t, h.tap.messages(t, api.TypeStaging))

	checkins := h.tap.messages(t, api.TypeCheckin)
	require.Len(t, checkins, 1)
	_, err = h.psk.Open(checkins[0][session.IDLen:])
	assert.NoError(t, err)
}

func TestConnectHandshakeFailureLeavesDisconnected(t *testing.T) {
	wrong, err := suite.GenerateKey()
	require.NoError(t, err)
	h := newHarness(t, testConfig(true), wrong)
	initial := h.p.ID()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ok, err := h.p.Connect(ctx, checkin(initial), nil)
	require.False(t, ok)
	var hsErr *HandshakeError
	require.True(t, errors.As(err, &hsErr))
	assert.Equal(t, "receive", hsErr.Stage)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, session.Disconnected, h.p.State())
	assert.Equal(t, initial, h.p.ID())
	assert.False(t, h.p.IsConnected())
}

func TestRunRoutesDelegatesAndPostsBatches(t *testing.T) {
	router := &recordingRouter{known: map[string]bool{"child-1": true}}
	h := newHarness(t, testConfig(false), nil, WithRouter(router))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ok, err := h.p.Connect(ctx, checkin(h.p.ID()), nil)
	require.NoError(t, err)
	require.True(t, ok)

	runCtx, stop := context.WithCancel(ctx)
	runErr := make(chan error, 1)
	go func() { runErr <- h.p.Run(runCtx) }()

	require.NoError(t, h.ctl.Reply(&api.MessageResponse{
		Action: "get_tasking",
		Tasks:  []api.Task{{ID: "t1", Command: "whoami"}},
		Delegates: []api.DelegateMessage{
			{UUID: "child-1", C2Profile: "smb", Message: "AAAA"},
			{UUID: "nobody", C2Profile: "smb", Message: "BBBB"},
		},
	}))

	select {
	case task := <-h.tasks.Tasks():
		assert.Equal(t, "t1", task.ID)
	case <-ctx.Done():
		t.Fatal("task never delivered")
	}
	st := h.p.Stats()
	assert.EqualValues(t, 1, st.Routed)
	assert.EqualValues(t, 1, st.RoutingMisses)
	router.mu.Lock()
	require.Len(t, router.got, 1)
	assert.Equal(t, "AAAA", router.got[0].Message)
	router.mu.Unlock()

	h.tasks.AddResponse(api.TaskResponse{TaskID: "t1", UserOutput: "agent", Completed: true})
	select {
	case batch := <-h.ctl.Tasking():
		require.Len(t, batch.Responses, 1)
		assert.Equal(t, "agent", batch.Responses[0].UserOutput)
	case <-ctx.Done():
		t.Fatal("batch never posted")
	}

	stop()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestMessagesQueuedBeforeConnectAreDelivered(t *testing.T) {
	cfg := testConfig(false)
	key, err := suite.GenerateKey()
	require.NoError(t, err)
	psk, err := suite.New(suite.AES256HMAC, key)
	require.NoError(t, err)

	tr := mem.New(0)
	p, err := New(cfg, uuid.NewString(), nil, WithTransport(tr), WithBaseCipher(psk))
	require.NoError(t, err)
	defer p.Close()
	require.NoError(t, p.Start())

	big := make([]byte, 3000)
	for i := range big {
		big[i] = byte('a' + i%26)
	}
	require.True(t, p.Send(&api.TaskingMessage{
		Action:    "get_tasking",
		Responses: []api.TaskResponse{{TaskID: "x", UserOutput: string(big)}},
	}))
	assert.Greater(t, p.Stats().Outbound, 1, "large message spans several fragments")

	ctl, err := controller.New(controller.Options{Suite: suite.AES256HMAC, PSK: key, SendSize: cfg.SendSize, Reserve: cfg.ChunkReserve})
	require.NoError(t, err)
	defer ctl.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ctl.Dial(ctx, tr, cfg.PipeName))

	select {
	case batch := <-ctl.Tasking():
		require.Len(t, batch.Responses, 1)
		assert.Equal(t, string(big), batch.Responses[0].UserOutput)
	case <-ctx.Done():
		t.Fatal("queued message not delivered")
	}
}

func TestProfileSurface(t *testing.T) {
	h := newHarness(t, testConfig(false), nil)
	assert.True(t, h.p.IsOneWay())
	assert.False(t, h.p.IsConnected(), "not connected before checkin")
	_, err := h.p.SendRecv(context.Background(), checkin(h.p.ID()))
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.Equal(t, "agent", h.p.Addr())

	require.NoError(t, h.p.Close())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = h.p.Recv(ctx, api.TypeMessageResponse, func(api.Message) bool { return true })
	assert.Error(t, err, "Recv wakes once the profile closes")
	assert.False(t, h.p.Send(checkin(h.p.ID())))
}

func TestNewRejectsBadInput(t *testing.T) {
	cfg := testConfig(false)
	_, err := New(cfg, "short", nil, WithTransport(mem.New(0)))
	require.Error(t, err)

	cfg.Kind = "http"
	_, err = New(cfg, uuid.NewString(), nil)
	var cfgErr *api.ConfigError
	require.True(t, errors.As(err, &cfgErr))
}

func TestReassemblyBoundFollowsMaxMessageBytes(t *testing.T) {
	cfg := testConfig(false)
	cfg.MaxMessageBytes = 4096
	require.Equal(t, 7, cfg.MaxFragments(), "4096 bytes in 618-byte fragments")
	h := newHarness(t, cfg, nil)

	err := h.p.rs.Add(protocol.Fragment{MessageID: "m", SequenceIndex: 0, TotalCount: 8, MessageTypeTag: api.TypeTasking, Payload: []byte("a")})
	require.ErrorIs(t, err, protocol.ErrInvalidFragment)
	require.NoError(t, h.p.rs.Add(protocol.Fragment{MessageID: "n", SequenceIndex: 0, TotalCount: 7, MessageTypeTag: api.TypeTasking, Payload: []byte("a")}))

	st := h.p.Stats()
	assert.EqualValues(t, 1, st.Reassembly.Oversized)
	assert.Equal(t, 1, st.Pending)
}

// perConnReader reassembles only what arrives on its own connection.
type perConnReader struct {
	rs   *reassembly.Store
	done atomic.Int64
}

func newPerConnReader() *perConnReader {
	r := &perConnReader{}
	r.rs = reassembly.New(func([]byte, api.MessageType) { r.done.Add(1) })
	return r
}

func (r *perConnReader) OnConnect(*ipc.Conn)    {}
func (r *perConnReader) OnDisconnect(*ipc.Conn) {}
func (r *perConnReader) OnMessage(_ *ipc.Conn, b []byte) {
	if f, err := protocol.DecodeFragment(b); err == nil {
		_ = r.rs.Add(f)
	}
}

func TestMessagesStayOnOneInstance(t *testing.T) {
	cfg := testConfig(false)
	cfg.MaxInstances = 2
	tr := mem.New(0)
	p, err := New(cfg, uuid.NewString(), nil, WithTransport(tr))
	require.NoError(t, err)
	defer p.Close()
	require.NoError(t, p.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	readers := []*perConnReader{newPerConnReader(), newPerConnReader()}
	for i, r := range readers {
		defer r.rs.Close()
		c, err := ipc.Dial(ctx, tr, cfg.PipeName, transport.PeerInfo{ID: transport.PeerID(fmt.Sprintf("reader-%d", i))}, r)
		require.NoError(t, err)
		defer c.Close()
	}
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.writers) == 2
	}, 2*time.Second, 10*time.Millisecond)

	const n = 12
	out := strings.Repeat("0123456789", 300)
	for i := 0; i < n; i++ {
		require.True(t, p.Send(&api.TaskingMessage{
			Action:    "get_tasking",
			Responses: []api.TaskResponse{{TaskID: fmt.Sprint(i), UserOutput: out}},
		}))
	}
	require.Eventually(t, func() bool {
		return readers[0].done.Load()+readers[1].done.Load() == n
	}, 3*time.Second, 10*time.Millisecond, "every message completes on the instance that carried it")
	for _, r := range readers {
		assert.Zero(t, r.rs.Pending())
	}
}

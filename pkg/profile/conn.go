package profile

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"pipemesh/pkg/ipc"
	"pipemesh/pkg/protocol"
)

type writer struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// OnConnect starts the writer for a new channel instance.
func (p *Profile) OnConnect(c *ipc.Conn) {
	ctx, cancel := context.WithCancel(p.ctx)
	w := &writer{cancel: cancel, done: make(chan struct{})}
	p.mu.Lock()
	p.writers[c] = w
	p.mu.Unlock()
	zap.L().Info("channel connected", zap.String("peer", string(c.Session().Peer().ID)))
	go func() {
		defer close(w.done)
		p.writeLoop(ctx, c)
	}()
}

// OnDisconnect closes the instance and waits for its writer to stop.
func (p *Profile) OnDisconnect(c *ipc.Conn) {
	p.mu.Lock()
	w := p.writers[c]
	delete(p.writers, c)
	p.mu.Unlock()
	_ = c.Close()
	if w != nil {
		w.cancel()
		<-w.done
	}
	zap.L().Info("channel disconnected", zap.String("peer", string(c.Session().Peer().ID)))
}

// OnMessage feeds one wire fragment to reassembly.
func (p *Profile) OnMessage(_ *ipc.Conn, b []byte) {
	f, err := protocol.DecodeFragment(b)
	if err != nil {
		zap.L().Warn("dropping bad fragment", zap.Int("bytes", len(b)), zap.Error(err))
		return
	}
	zap.L().Debug("fragment received",
		zap.String("message_id", f.MessageID),
		zap.Int("index", f.SequenceIndex),
		zap.Int("total", f.TotalCount))
	if err := p.rs.Add(f); err != nil {
		zap.L().Warn("reassembly failed", zap.String("message_id", f.MessageID), zap.Error(err))
	}
}

// writeLoop keeps exactly one write in flight. It takes whole messages off
// the queue so every fragment of a message leaves on this instance. A
// message whose write fails is put back at the head of the queue for the
// next instance.
func (p *Profile) writeLoop(ctx context.Context, c *ipc.Conn) {
	var lim *rate.Limiter
	if p.cfg.WriteRateBytes > 0 {
		lim = rate.NewLimiter(rate.Limit(p.cfg.WriteRateBytes), p.cfg.SendSize)
	}
	result := make(chan error, 1)
	for {
		frames, err := p.out.Pop(ctx)
		if err != nil {
			return
		}
		for _, frame := range frames {
			if lim != nil {
				if err := lim.WaitN(ctx, min(len(frame), lim.Burst())); err != nil {
					_ = p.out.PushFront(frames...)
					return
				}
			}
			c.WriteAsync(frame, func(err error) { result <- err })
			if err := <-result; err != nil {
				p.writeFailures.Add(1)
				_ = p.out.PushFront(frames...)
				zap.L().Warn("write failed, message requeued", zap.Int("fragments", len(frames)), zap.Error(err))
				_ = c.Close()
				return
			}
		}
	}
}

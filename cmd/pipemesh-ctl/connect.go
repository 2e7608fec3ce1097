package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pipemesh/pkg/api"
	"pipemesh/pkg/controller"
	"pipemesh/pkg/identity"
	"pipemesh/pkg/transport/pipe"
)

func connectCmd() *cobra.Command {
	var (
		addr     string
		timeout  time.Duration
		commands []string
	)
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Act as the upstream controller of an agent and print what it sends",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = cfg.Profile.PipeName
			}
			psk, err := identity.LoadPSK(cfg.Profile)
			if err != nil {
				return err
			}
			ctl, err := controller.New(controller.Options{
				Suite:    cfg.Profile.Suite,
				PSK:      psk,
				Format:   cfg.Profile.Format,
				SendSize: cfg.Profile.RecvSize,
				Reserve:  cfg.Profile.ChunkReserve,
			})
			if err != nil {
				return err
			}
			defer ctl.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			dctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if err := ctl.Dial(dctx, pipe.New(pipe.Options{}), addr); err != nil {
				return fmt.Errorf("dial %s: %w", addr, err)
			}
			zap.L().Info("connected", zap.String("pipe", addr))
			return serve(ctx, ctl, commands)
		},
	}
	cmd.Flags().StringVar(&addr, "pipe", "", "agent pipe, host/name for a remote host (default profile.pipe_name)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "dial timeout")
	cmd.Flags().StringSliceVar(&commands, "task", nil, "command to hand down with the first tasking reply (repeatable)")
	return cmd
}

// serve prints checkins and tasking batches until the agent goes away. The
// first batch is answered with the queued tasks, later ones with an empty
// response.
func serve(ctx context.Context, ctl *controller.Controller, commands []string) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	pending := make([]api.Task, 0, len(commands))
	for _, c := range commands {
		pending = append(pending, api.Task{
			ID:        uuid.NewString(),
			Command:   c,
			Timestamp: float64(time.Now().Unix()),
		})
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ctl.Done():
			return errors.New("agent closed the channel")
		case c := <-ctl.Checkins():
			_ = enc.Encode(struct {
				Callback string              `json:"callback"`
				Checkin  *api.CheckinMessage `json:"checkin"`
			}{ctl.AgentID(), c})
		case b := <-ctl.Tasking():
			_ = enc.Encode(b)
			resp := &api.MessageResponse{Action: b.Action, Tasks: pending}
			for _, r := range b.Responses {
				resp.Responses = append(resp.Responses, api.TaskResponse{TaskID: r.TaskID, Status: "success"})
			}
			if err := ctl.Reply(resp); err != nil {
				zap.L().Warn("reply failed", zap.Error(err))
				continue
			}
			pending = nil
		}
	}
}

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"go.uber.org/zap"

	"pipemesh/pkg/api"
	"pipemesh/pkg/config"
	"pipemesh/pkg/identity"
	"pipemesh/pkg/observability"
	"pipemesh/pkg/peers"
	"pipemesh/pkg/profile"
	"pipemesh/pkg/protocol"
	"pipemesh/pkg/tasking"
)

// run is the main entry point after CLI parsing.
func run(args []string) int {
	opts := configPath(args)
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}
	if err := parseOverrides(cfg, args); err != nil {
		_, _ = os.Stderr.WriteString("invalid flags: " + err.Error() + "\n")
		return 1
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	zap.L().Info("pipemesh-agent started", zap.String("app", cfg.AppName))
	zap.L().Debug("effective configuration", zap.Any("profile", cfg.Profile), zap.Int("peers", len(cfg.Peers)))

	id, err := identity.PayloadID(cfg)
	if err != nil {
		zap.L().Error("invalid payload id", zap.Error(err))
		return 1
	}
	psk, err := identity.LoadPSK(cfg.Profile)
	if err != nil {
		zap.L().Error("failed to load pre-shared key", zap.Error(err))
		return 1
	}
	base, err := identity.BaseCipher(cfg.Profile, psk)
	if err != nil {
		zap.L().Error("failed to build base cipher", zap.Error(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tasks := tasking.New(0, -1)
	mgr := peers.NewManager(tasks, peers.WithFragmentSize(protocol.MaxFragmentPayload(cfg.Profile.SendSize, cfg.Profile.ChunkReserve)))
	defer func() { _ = mgr.Close() }()

	prof, err := profile.New(cfg.Profile, id, tasks, profile.WithRouter(mgr), profile.WithBaseCipher(base))
	if err != nil {
		zap.L().Error("failed to build profile", zap.Error(err))
		return 1
	}
	defer func() { _ = prof.Close() }()
	if err := prof.Start(); err != nil {
		zap.L().Error("failed to serve pipe", zap.String("pipe", cfg.Profile.PipeName), zap.Error(err))
		return 1
	}
	zap.L().Info("waiting for upstream", zap.String("addr", prof.Addr()))

	ok, err := prof.Connect(ctx, hostCheckin(id), func(resp *api.MessageResponse) bool {
		return resp.Status == "" || resp.Status == "success"
	})
	if err != nil || !ok {
		zap.L().Error("checkin failed", zap.Bool("accepted", ok), zap.Error(err))
		return 1
	}
	zap.L().Info("checked in", zap.String("callback", prof.ID()))

	for _, info := range cfg.PeerInformation() {
		p, err := mgr.AddPeer(ctx, info)
		if err != nil {
			zap.L().Warn("failed to link peer", zap.String("pipe", info.PipeName), zap.String("host", info.Host), zap.Error(err))
			continue
		}
		zap.L().Info("linked peer", zap.String("peer", p.ID()), zap.String("pipe", info.PipeName))
	}

	go drainTasks(ctx, tasks)

	if err := prof.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		zap.L().Error("profile stopped", zap.Error(err))
		return 1
	}
	zap.L().Info("pipemesh-agent stopped", zap.Any("stats", prof.Stats()))
	return 0
}

func hostCheckin(id string) *api.CheckinMessage {
	host, _ := os.Hostname()
	return &api.CheckinMessage{
		Action:       "checkin",
		UUID:         id,
		OS:           runtime.GOOS,
		Host:         host,
		PID:          os.Getpid(),
		Architecture: runtime.GOARCH,
		ProcessName:  processName(),
	}
}

func processName() string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	return exe
}

// drainTasks acknowledges every task; this binary carries no task handlers.
func drainTasks(ctx context.Context, tasks *tasking.Manager) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-tasks.Tasks():
			zap.L().Info("task received", zap.String("task", t.ID), zap.String("command", t.Command))
			tasks.AddResponse(api.TaskResponse{
				TaskID:     t.ID,
				UserOutput: "no handler for " + t.Command,
				Completed:  true,
				Status:     "error",
			})
		}
	}
}

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agent-command/approvald/internal/bridge"
	"github.com/agent-command/approvald/internal/broker"
	"github.com/agent-command/approvald/internal/config"
	"github.com/agent-command/approvald/internal/dispatch"
	"github.com/agent-command/approvald/internal/gateway"
	"github.com/agent-command/approvald/internal/gitinfo"
	"github.com/agent-command/approvald/internal/hooks"
	"github.com/agent-command/approvald/internal/logging"
	"github.com/agent-command/approvald/internal/metrics"
	"github.com/agent-command/approvald/internal/natsbus"
	"github.com/agent-command/approvald/internal/proc"
	"github.com/agent-command/approvald/internal/session"
	"github.com/agent-command/approvald/internal/telegram"
	"github.com/agent-command/approvald/internal/tmux"
	"github.com/agent-command/approvald/internal/ws"
)

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	log := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, log)
}

func serve(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	m := metrics.New()
	reg := session.NewRegistry(session.WithLogger(log))
	brk := broker.New(broker.WithAllowAll(reg), broker.WithLogger(log))

	tmuxClient := tmux.NewClient(&cfg.Tmux, nil)
	if !tmuxClient.Available() {
		log.Info().Msg("tmux not found; tmux injection disabled")
	}
	strategies, err := dispatch.FromConfig(cfg, tmuxClient)
	if err != nil {
		return err
	}
	disp := dispatch.New(strategies, dispatch.WithLogger(log), dispatch.WithMetrics(m))

	svc := bridge.New(bridge.Options{
		Registry:          reg,
		Broker:            brk,
		Sender:            disp,
		Terminals:         proc.NewLookup(),
		Metrics:           m,
		Logger:            log,
		PermissionTimeout: cfg.Bridge.PermissionTimeout(),
	})

	g, ctx := errgroup.WithContext(ctx)

	var (
		primary gateway.Notifier = gateway.Nop{}
		mirrors []gateway.Notifier
	)
	if cfg.TelegramEnabled() {
		bot := telegram.NewBot(cfg.Telegram, svc, log)
		bot.SetBranchLookup(gitinfo.NewCache(tmux.ExecRunner{}, gitinfo.DefaultTTL))
		primary = bot
		g.Go(func() error { return bot.Run(ctx) })
	} else {
		log.Warn().Msg("telegram not configured; approvals will time out")
	}

	if cfg.ControlPlane.WSURL != "" {
		cp := ws.NewClient(cfg.ControlPlane, svc, log)
		mirrors = append(mirrors, cp)
		g.Go(func() error { return cp.Run(ctx) })
	}

	if cfg.NATS.URL != "" {
		host, _ := os.Hostname()
		pub, err := natsbus.Connect(cfg.NATS, host)
		if err != nil {
			log.Warn().Err(err).Msg("nats mirror disabled")
		} else {
			defer pub.Close()
			mirrors = append(mirrors, pub)
		}
	}

	svc.SetNotifier(gateway.NewFanout(primary, log, m, mirrors...))

	srv := hooks.NewServer(svc, log, m.Handler())
	g.Go(func() error { return srv.Run(ctx, cfg.Bridge.Listen()) })

	g.Go(func() error {
		err := config.Watch(ctx, configPath, log, func(next *config.Config) {
			svc.SetPermissionTimeout(next.Bridge.PermissionTimeout())
		})
		if err != nil {
			log.Warn().Err(err).Msg("config hot reload disabled")
		}
		return nil
	})

	// Blocked hook callers must return before the HTTP server can drain.
	g.Go(func() error {
		<-ctx.Done()
		svc.Shutdown(bridge.ReasonShutdown)
		return nil
	})

	log.Info().
		Str("listen", cfg.Bridge.Listen()).
		Strs("strategies", disp.Strategies()).
		Dur("permission_timeout", svc.PermissionTimeout()).
		Str("version", Version).
		Msg("approvald started")

	err = g.Wait()
	log.Info().Msg("approvald stopped")
	return err
}

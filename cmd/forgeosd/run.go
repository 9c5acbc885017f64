package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"ForgeOS-Agent/internal/agent"
	"ForgeOS-Agent/internal/api"
	"ForgeOS-Agent/internal/auth"
	"ForgeOS-Agent/internal/config"
	"ForgeOS-Agent/internal/decision"
	"ForgeOS-Agent/internal/feed"
	"ForgeOS-Agent/internal/kaspa"
	"ForgeOS-Agent/internal/observability/alerting"
	"ForgeOS-Agent/internal/observability/metrics"
	"ForgeOS-Agent/internal/observability/tracing"
	"ForgeOS-Agent/internal/quota"
	"ForgeOS-Agent/internal/session"
	"ForgeOS-Agent/internal/signer"
	"ForgeOS-Agent/pkg/logger"
)

func runCommand(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Named("forgeosd")

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.Observability.Tracing, version)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	kv, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer kv.Close()

	sig, err := signer.New(ctx, cfg.Signer)
	if err != nil {
		return err
	}
	defer sig.Close()

	network := kaspa.ResolveNetwork(cfg.Network.ID)
	catalog, err := kaspa.LoadEndpoints(cfg.Network.EndpointsFile)
	if err != nil {
		return err
	}
	roots, streamURL := resolveEndpoints(cfg.Network, network, catalog)
	client := feed.NewClient(feed.ClientConfig{
		Roots:             roots,
		Network:           network,
		RequestTimeout:    time.Duration(cfg.Network.RequestTimeoutMS) * time.Millisecond,
		RequestsPerSecond: cfg.Network.RequestsPerSecond,
	})
	chainFeed := feed.New(client, feed.Config{
		Address:      cfg.Network.WalletAddress,
		PollInterval: time.Duration(cfg.Network.PollIntervalMS) * time.Millisecond,
		StreamURL:    streamURL,
	})

	engine, err := buildEngine(cfg.Engine)
	if err != nil {
		return err
	}
	decider := decision.NewService(engine, decision.Config{
		Timeout:         time.Duration(cfg.Engine.TimeoutMS) * time.Millisecond,
		DisableFallback: !*cfg.Engine.FallbackEnabled,
	})

	bus, err := openBus(ctx, cfg.Events)
	if err != nil {
		return err
	}
	opts := []agent.Option{agent.WithAlerts(buildAlerts(cfg.Observability))}
	if bus != nil {
		defer bus.Close()
		opts = append(opts, agent.WithEventBus(bus))
	}

	rt, err := agent.New(ctx, agentConfig(cfg, network), agent.Deps{
		Feed:     chainFeed,
		Decider:  decider,
		Signer:   sig,
		Quota:    quota.New(kv),
		Sessions: session.NewStore(kv),
	}, opts...)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rt.Close(closeCtx); err != nil {
			log.Warn("关闭智能体失败", slog.String("error", err.Error()))
		}
	}()

	authSvc, err := auth.NewService(auth.Config{
		Mode:   auth.Mode(cfg.Auth.Mode),
		Secret: cfg.Auth.Secret,
		Issuer: cfg.Auth.Issuer,
	})
	if err != nil {
		return err
	}
	server := api.NewServer(api.Config{
		Address:       cfg.Server.Address,
		ReadTimeout:   time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		CORSOrigins:   cfg.Server.CORSOrigins,
		WalletAddress: cfg.Network.WalletAddress,
		Chain:         chainFeed,
	}, rt, authSvc, client)

	log.Info("forgeosd starting",
		slog.String("version", version),
		slog.String("agent", cfg.Agent.Name),
		slog.String("network", network.ID),
		slog.String("scope", rt.Scope()),
		slog.Any("roots", roots),
		slog.String("signer", sig.Provider()),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("events", cfg.Events.Driver),
	)

	if err := rt.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return chainFeed.Run(gctx) })
	g.Go(func() error { return server.Start(gctx) })
	if addr := cfg.Observability.MetricsAddress; addr != "" {
		g.Go(func() error {
			if err := metrics.StartServer(gctx, addr); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	err = g.Wait()
	log.Info("forgeosd stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func buildAlerts(cfg config.ObservabilityConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{Logger: logger.Named("alerts")}}
	if cfg.AlertWebhook != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.AlertWebhook})
	}
	return alerting.NewFanout(notifiers...)
}

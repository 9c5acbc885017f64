package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/urfave/cli/v2"

	"ForgeOS-Agent/internal/auth"
	"ForgeOS-Agent/internal/config"
	"ForgeOS-Agent/internal/events"
	"ForgeOS-Agent/internal/kaspa"
	"ForgeOS-Agent/pkg/logger"
)

func checkConfigCommand(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	network := kaspa.ResolveNetwork(cfg.Network.ID)
	fmt.Fprintf(c.App.Writer, "配置有效: agent=%s network=%s storage=%s events=%s engine=%s signer=%s\n",
		cfg.Agent.Name, network.ID, cfg.Storage.Driver, cfg.Events.Driver, cfg.Engine.Provider, cfg.Signer.Provider)
	return nil
}

func signalsCommand(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Events.Driver == "memory" {
		return errors.New("内存总线只在 run 进程内可见，请配置 redis 或 rabbitmq")
	}
	bus, err := openBus(ctx, cfg.Events)
	if err != nil {
		return err
	}
	if bus == nil {
		return errors.New("events.driver 为 none，没有可订阅的信号总线")
	}
	defer bus.Close()

	err = bus.Consume(ctx, c.Int("workers"), signalPrinter(c.App.Writer))
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// signalPrinter 输出每条信号一行 JSON；多个 worker 共享同一个 writer。
func signalPrinter(w io.Writer) events.Handler {
	var mu sync.Mutex
	enc := json.NewEncoder(w)
	return func(_ context.Context, sig events.Signal) error {
		mu.Lock()
		defer mu.Unlock()
		return enc.Encode(sig)
	}
}

func tokenCommand(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	svc, err := auth.NewService(auth.Config{Mode: auth.Mode(cfg.Auth.Mode), Secret: cfg.Auth.Secret, Issuer: cfg.Auth.Issuer})
	if err != nil {
		return err
	}
	perms := c.StringSlice("perm")
	if len(perms) == 0 {
		perms = []string{"*"}
	}
	token, err := svc.Issue(c.String("subject"), perms, c.Duration("ttl"))
	if err != nil {
		return fmt.Errorf("签发令牌失败: %w", err)
	}
	fmt.Fprintln(c.App.Writer, token)
	return nil
}

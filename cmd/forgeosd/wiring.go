package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ForgeOS-Agent/internal/agent"
	"ForgeOS-Agent/internal/config"
	"ForgeOS-Agent/internal/events"
	"ForgeOS-Agent/internal/kaspa"
	"ForgeOS-Agent/internal/llm"
	"ForgeOS-Agent/internal/llm/anthropic"
	"ForgeOS-Agent/internal/llm/proxy"
	"ForgeOS-Agent/internal/storage"
	"ForgeOS-Agent/internal/storage/file"
	"ForgeOS-Agent/internal/storage/mysql"
	"ForgeOS-Agent/internal/storage/redis"
	"ForgeOS-Agent/internal/storage/sqlite"
)

// defaultAPIRoot 是未配置任何节点时使用的公共 REST 入口。
const defaultAPIRoot = "https://api.kaspa.org"

// openStorage 根据驱动创建会话与配额使用的 KV 存储。
func openStorage(ctx context.Context, cfg config.StorageConfig) (storage.KV, error) {
	switch cfg.Driver {
	case "memory":
		return storage.NewMemory(), nil
	case "file":
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("创建状态目录失败: %w", err)
		}
		return file.New(cfg.Path)
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("创建数据库目录失败: %w", err)
		}
		return sqlite.Open(ctx, cfg.Path)
	case "mysql":
		return mysql.Open(ctx, mysql.Config{DSN: cfg.DSN})
	case "redis":
		return redis.Open(ctx, redis.Config{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Driver)
	}
}

// openBus 创建信号总线；driver 为 none 时返回 nil。
func openBus(ctx context.Context, cfg config.EventsConfig) (events.Bus, error) {
	switch cfg.Driver {
	case "none":
		return nil, nil
	case "", "memory":
		return events.NewMemoryBus(256), nil
	case "redis":
		return events.NewRedisBus(ctx, events.RedisConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			List:     cfg.List,
		})
	case "rabbitmq":
		return events.NewRabbitMQBus(events.RabbitMQConfig{
			URL:      cfg.AMQPURL,
			Queue:    cfg.Queue,
			Prefetch: cfg.Prefetch,
			Durable:  true,
		})
	default:
		return nil, fmt.Errorf("未知的总线驱动: %s", cfg.Driver)
	}
}

// buildEngine 选择决策引擎客户端。
func buildEngine(cfg config.EngineConfig) (llm.Client, error) {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	switch cfg.Provider {
	case "anthropic":
		return anthropic.NewClient(anthropic.Config{
			APIKey:    cfg.APIKey,
			URL:       cfg.URL,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
			Timeout:   timeout,
		}), nil
	case "proxy":
		return proxy.NewClient(proxy.Config{URL: cfg.URL, Token: cfg.Token, Timeout: timeout})
	default:
		return nil, fmt.Errorf("未知的决策引擎: %s", cfg.Provider)
	}
}

// resolveEndpoints 合并配置、节点目录与默认值，配置中的节点优先。
func resolveEndpoints(cfg config.NetworkConfig, network kaspa.NetworkProfile, catalog kaspa.EndpointCatalog) ([]string, string) {
	roots := append([]string(nil), cfg.APIRoots...)
	stream := strings.TrimSpace(cfg.StreamURL)
	if set, ok := catalog.For(network); ok {
		roots = append(roots, set.APIRoots...)
		if stream == "" {
			stream = set.StreamURL
		}
	}
	roots = kaspa.NormalizeRoots(roots...)
	if len(roots) == 0 {
		roots = []string{defaultAPIRoot}
	}
	return roots, stream
}

// agentConfig 把文件配置转换为运行时参数。
func agentConfig(cfg *config.Config, network kaspa.NetworkProfile) agent.Config {
	return agent.Config{
		Agent:              cfg.Agent,
		Network:            network.ID,
		WalletAddress:      cfg.Network.WalletAddress,
		AccumulationVault:  cfg.Runtime.AccumulationVault,
		CycleInterval:      time.Duration(cfg.Runtime.CycleIntervalSeconds) * time.Second,
		DailyCycleLimit:    cfg.Runtime.DailyCycleLimit,
		ConfidenceFloor:    cfg.Runtime.ConfidenceFloor,
		ReserveKas:         *cfg.Runtime.ReserveKas,
		NetworkFeeKas:      *cfg.Runtime.NetworkFeeKas,
		AccumulateOnly:     cfg.Runtime.AccumulateOnly,
		MaxDailyAutoKas:    cfg.Runtime.MaxDailyAutoKas,
		LiveExecutionArmed: cfg.Runtime.LiveExecutionArmed,
		Treasury: agent.Treasury{
			FeeRate:       *cfg.Treasury.FeeRate,
			TreasurySplit: *cfg.Treasury.TreasurySplit,
			AgentSplit:    *cfg.Treasury.AgentSplit,
		},
	}
}

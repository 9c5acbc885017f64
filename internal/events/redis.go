package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "ForgeOS-Agent/internal/errors"
	"ForgeOS-Agent/pkg/logger"
)

// RedisConfig 描述 Redis 总线的连接参数。
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	List      string
	BlockWait time.Duration
}

// RedisBus 使用 Redis list (LPUSH/BRPOP) 传递信号。
type RedisBus struct {
	client *redis.Client
	list   string
	wait   time.Duration
	logger *slog.Logger
}

var _ Bus = (*RedisBus)(nil)

// NewRedisBus 创建 Redis 总线并校验连通性。
func NewRedisBus(ctx context.Context, cfg RedisConfig) (*RedisBus, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "redis address is required")
	}
	list := cfg.List
	if list == "" {
		list = "forgeos:signals"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "connect redis")
	}
	return &RedisBus{client: client, list: list, wait: wait, logger: logger.Named("events.redis")}, nil
}

// Publish 将信号推入列表头部。
func (b *RedisBus) Publish(ctx context.Context, sig Signal) error {
	raw, err := encode(sig)
	if err != nil {
		return err
	}
	if err := b.client.LPush(ctx, b.list, raw).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "redis publish")
	}
	return nil
}

// Consume pops signals with BRPOP. A handler error pushes the signal back
// to the tail so it is retried.
func (b *RedisBus) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				if ctx.Err() != nil {
					errCh <- ctx.Err()
					return
				}
				values, err := b.client.BRPop(ctx, b.wait, b.list).Result()
				if err != nil {
					if errors.Is(err, redis.Nil) {
						continue
					}
					if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					errCh <- xerrors.Wrap(xerrors.CodeQueueFailure, err, "redis consume")
					return
				}
				if len(values) != 2 {
					continue
				}
				sig, err := decode([]byte(values[1]))
				if err != nil {
					b.logger.Warn("dropping malformed signal", slog.String("error", err.Error()))
					continue
				}
				if handlerErr := handler(ctx, sig); handlerErr != nil {
					_ = b.client.RPush(ctx, b.list, values[1]).Err()
				}
			}
		}()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close 关闭 Redis 连接。
func (b *RedisBus) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}

package events

import (
	"context"
	"sync"
)

// MemoryBus 使用 channel 模拟消息总线，单进程部署与测试时使用。
type MemoryBus struct {
	ch     chan Signal
	mu     sync.RWMutex
	closed bool
}

var _ Bus = (*MemoryBus)(nil)

// NewMemoryBus 创建一个内存总线。
func NewMemoryBus(size int) *MemoryBus {
	if size <= 0 {
		size = 64
	}
	return &MemoryBus{ch: make(chan Signal, size)}
}

// Publish never blocks: a full buffer drops the signal with ErrBusFull.
func (b *MemoryBus) Publish(ctx context.Context, sig Signal) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case b.ch <- sig:
		return nil
	default:
		return ErrBusFull
	}
}

// Consume 启动指定数量的工作协程消费信号，直到 ctx 结束或总线关闭。
func (b *MemoryBus) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case sig, ok := <-b.ch:
					if !ok {
						return
					}
					_ = handler(ctx, sig)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// Close 关闭内存总线。
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if !b.closed {
		close(b.ch)
		b.closed = true
	}
	b.mu.Unlock()
	return nil
}

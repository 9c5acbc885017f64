package events

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"
)

func TestMemoryBusDelivers(t *testing.T) {
	bus := NewMemoryBus(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []Signal
	done := make(chan struct{})
	go func() {
		_ = bus.Consume(ctx, 2, func(_ context.Context, sig Signal) error {
			mu.Lock()
			got = append(got, sig)
			if len(got) == 2 {
				close(done)
			}
			mu.Unlock()
			return nil
		})
	}()

	for _, id := range []string{"a", "b"} {
		if err := bus.Publish(ctx, Signal{ID: id, Kind: KindCycle}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("signals not delivered")
	}
}

func TestMemoryBusFullAndClosed(t *testing.T) {
	bus := NewMemoryBus(1)
	ctx := context.Background()
	if err := bus.Publish(ctx, Signal{ID: "1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := bus.Publish(ctx, Signal{ID: "2"}); !errors.Is(err, ErrBusFull) {
		t.Fatalf("expected ErrBusFull, got %v", err)
	}
	_ = bus.Close()
	_ = bus.Close()
	if err := bus.Publish(ctx, Signal{ID: "3"}); !errors.Is(err, ErrBusClosed) {
		t.Fatalf("expected ErrBusClosed, got %v", err)
	}
}

func TestSignalCodec(t *testing.T) {
	raw, err := encode(Signal{ID: "x", Kind: KindExecution, AmountKas: 1.5, Timestamp: 7})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	sig, err := decode(raw)
	if err != nil || sig.Kind != KindExecution || sig.AmountKas != 1.5 {
		t.Fatalf("unexpected decode %+v err=%v", sig, err)
	}
	if _, err := decode([]byte("{")); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestRedisBusLive(t *testing.T) {
	addr := os.Getenv("FORGEOS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("FORGEOS_TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	bus, err := NewRedisBus(ctx, RedisConfig{Address: addr, List: "forgeos:test:signals", BlockWait: time.Second})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer bus.Close()
	roundTrip(t, ctx, bus)
}

func TestRabbitMQBusLive(t *testing.T) {
	url := os.Getenv("FORGEOS_TEST_AMQP_URL")
	if url == "" {
		t.Skip("FORGEOS_TEST_AMQP_URL not set")
	}
	bus, err := NewRabbitMQBus(RabbitMQConfig{URL: url, Queue: "forgeos.test.signals", AutoDelete: true})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer bus.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	roundTrip(t, ctx, bus)
}

func roundTrip(t *testing.T, ctx context.Context, bus Bus) {
	t.Helper()
	if err := bus.Publish(ctx, Signal{ID: "live", Kind: KindKill}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	consumeCtx, stop := context.WithCancel(ctx)
	got := make(chan Signal, 1)
	go func() {
		_ = bus.Consume(consumeCtx, 1, func(_ context.Context, sig Signal) error {
			select {
			case got <- sig:
			default:
			}
			return nil
		})
	}()
	defer stop()
	select {
	case sig := <-got:
		if sig.ID != "live" {
			t.Fatalf("unexpected signal %+v", sig)
		}
	case <-ctx.Done():
		t.Fatalf("signal not received")
	}
}

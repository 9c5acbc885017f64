package feed

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// gatedSource blocks each BlockDAG call until its gate is released, so
// tests control the order in which refreshes complete.
type gatedSource struct {
	mu    sync.Mutex
	calls int
	gates []chan struct{}
	errs  map[int]error
}

func newGatedSource(n int) *gatedSource {
	s := &gatedSource{errs: make(map[int]error)}
	for i := 0; i < n; i++ {
		s.gates = append(s.gates, make(chan struct{}))
	}
	return s
}

func (s *gatedSource) started() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *gatedSource) BlockDAG(ctx context.Context) (BlockDAG, error) {
	s.mu.Lock()
	n := s.calls
	s.calls++
	gate := s.gates[n]
	err := s.errs[n]
	s.mu.Unlock()
	select {
	case <-gate:
	case <-ctx.Done():
		return BlockDAG{}, ctx.Err()
	}
	if err != nil {
		return BlockDAG{}, err
	}
	return BlockDAG{DAAScore: float64(n + 1)}, nil
}

func (s *gatedSource) Balance(context.Context, string) (Balance, error) {
	return Balance{Kas: 10, Sompi: 1_000_000_000}, nil
}

func (s *gatedSource) Price(context.Context) (float64, error) { return 0.1, nil }

type countingSource struct {
	calls atomic.Int32
	err   error
}

func (s *countingSource) BlockDAG(context.Context) (BlockDAG, error) {
	n := s.calls.Add(1)
	if s.err != nil {
		return BlockDAG{}, s.err
	}
	return BlockDAG{DAAScore: float64(n)}, nil
}

func (s *countingSource) Balance(context.Context, string) (Balance, error) {
	return Balance{Kas: 1}, nil
}

func (s *countingSource) Price(context.Context) (float64, error) {
	return 0, errors.New("price offline")
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRefreshDiscardsStaleCompletion(t *testing.T) {
	src := newGatedSource(2)
	f := New(src, Config{Address: "kaspatest:qq"})

	first := make(chan error, 1)
	go func() {
		_, err := f.Refresh(context.Background())
		first <- err
	}()
	waitFor(t, func() bool { return src.started() == 1 })

	second := make(chan error, 1)
	go func() {
		_, err := f.Refresh(context.Background())
		second <- err
	}()
	waitFor(t, func() bool { return src.started() == 2 })

	close(src.gates[1])
	if err := <-second; err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	close(src.gates[0])
	if err := <-first; err != nil {
		t.Fatalf("first refresh: %v", err)
	}

	snap, ok := f.Snapshot()
	if !ok {
		t.Fatal("expected snapshot")
	}
	if snap.DAG.DAAScore != 2 {
		t.Fatalf("stale result applied: daa=%v", snap.DAG.DAAScore)
	}
}

func TestRefreshDiscardsStaleFailure(t *testing.T) {
	src := newGatedSource(2)
	src.errs[0] = errors.New("mirror down")
	f := New(src, Config{})

	first := make(chan error, 1)
	go func() {
		_, err := f.Refresh(context.Background())
		first <- err
	}()
	waitFor(t, func() bool { return src.started() == 1 })

	done := make(chan struct{})
	go func() {
		_, _ = f.Refresh(context.Background())
		close(done)
	}()
	waitFor(t, func() bool { return src.started() == 2 })
	close(src.gates[1])
	<-done
	close(src.gates[0])
	if err := <-first; err == nil {
		t.Fatal("expected stale refresh to still report its error")
	}

	snap, _ := f.Snapshot()
	if !snap.Live() {
		t.Fatalf("stale failure must not mark snapshot disconnected: %+v", snap)
	}
}

func TestRefreshFailureKeepsPreviousSnapshot(t *testing.T) {
	src := &countingSource{}
	f := New(src, Config{Address: "kaspatest:qq"})
	if _, err := f.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	src.err = errors.New("chain API unavailable")
	snap, err := f.Refresh(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if snap.DAG.DAAScore != 1 || snap.WalletKas != 1 {
		t.Fatalf("previous snapshot not kept: %+v", snap)
	}
	if snap.Connected || snap.LastError != "chain API unavailable" {
		t.Fatalf("unexpected connection state: %+v", snap)
	}
	if snap.PriceUSD != 0 {
		t.Fatalf("price failure should leave price empty, got %v", snap.PriceUSD)
	}
}

func TestSubscribeReceivesAppliedUpdates(t *testing.T) {
	f := New(&countingSource{}, Config{})
	var got []float64
	cancel := f.Subscribe(func(s Snapshot) { got = append(got, s.DAG.DAAScore) })

	_, _ = f.Refresh(context.Background())
	cancel()
	_, _ = f.Refresh(context.Background())

	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("unexpected notifications %v", got)
	}
}

func TestNotifyCollapsesBurst(t *testing.T) {
	src := &countingSource{}
	f := New(src, Config{DebounceWindow: 30 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.debounceLoop(ctx)

	for i := 0; i < 5; i++ {
		f.notify()
	}
	waitFor(t, func() bool { return src.calls.Load() == 1 })
	time.Sleep(60 * time.Millisecond)
	if n := src.calls.Load(); n != 1 {
		t.Fatalf("burst should trigger one refresh, got %d", n)
	}

	f.notify()
	waitFor(t, func() bool { return src.calls.Load() == 2 })
}

func TestRunAndClose(t *testing.T) {
	src := &countingSource{}
	f := New(src, Config{PollInterval: 10 * time.Millisecond})

	done := make(chan error, 1)
	go func() { done <- f.Run(context.Background()) }()
	waitFor(t, func() bool { return src.calls.Load() >= 2 })

	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("run did not return after close")
	}
	if err := f.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := f.Run(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

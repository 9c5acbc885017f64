package feed

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	xerrors "ForgeOS-Agent/internal/errors"
	"ForgeOS-Agent/internal/observability/metrics"
	"ForgeOS-Agent/pkg/logger"
)

const (
	defaultPollInterval   = 5 * time.Second
	defaultDebounceWindow = 1200 * time.Millisecond
)

var tracer = otel.Tracer("forgeos/feed")

// ErrClosed 表示 Feed 已经关闭。
var ErrClosed = xerrors.New(xerrors.CodeConflict, "chain feed closed")

// Snapshot is the most recent view of the wallet and the DAG.
type Snapshot struct {
	WalletKas   float64   `json:"walletKas"`
	WalletSompi float64   `json:"walletSompi"`
	DAG         BlockDAG  `json:"dag"`
	PriceUSD    float64   `json:"priceUsd,omitempty"`
	Address     string    `json:"address"`
	FetchedAt   time.Time `json:"fetched"`
	Connected   bool      `json:"connected"`
	LastError   string    `json:"lastError,omitempty"`
}

// Live reports whether the snapshot came from a successful fetch and no
// later fetch has failed.
func (s Snapshot) Live() bool {
	return s.Connected && s.LastError == ""
}

// Source 抽象链上数据来源，Client 是默认实现。
type Source interface {
	BlockDAG(ctx context.Context) (BlockDAG, error)
	Balance(ctx context.Context, address string) (Balance, error)
	Price(ctx context.Context) (float64, error)
}

// Config 控制轮询与推送流。
type Config struct {
	Address        string
	PollInterval   time.Duration
	StreamURL      string
	DebounceWindow time.Duration
}

// Feed keeps the latest snapshot fresh by polling and, when a stream URL is
// configured, by refreshing on push notifications.
type Feed struct {
	source   Source
	address  string
	poll     time.Duration
	debounce time.Duration
	stream   *Stream
	logger   *slog.Logger

	seq atomic.Uint64

	mu       sync.RWMutex
	applied  uint64
	snapshot Snapshot
	hasData  bool

	subMu   sync.Mutex
	subs    map[int]func(Snapshot)
	nextSub int

	lifeMu  sync.Mutex
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	pending atomic.Bool
	trigger chan struct{}
}

// New 创建 Feed；source 不能为空。
func New(source Source, cfg Config) *Feed {
	f := &Feed{
		source:   source,
		address:  cfg.Address,
		poll:     cfg.PollInterval,
		debounce: cfg.DebounceWindow,
		logger:   logger.Named("feed"),
		subs:     make(map[int]func(Snapshot)),
		trigger:  make(chan struct{}, 1),
	}
	if f.poll <= 0 {
		f.poll = defaultPollInterval
	}
	if f.debounce <= 0 {
		f.debounce = defaultDebounceWindow
	}
	if cfg.StreamURL != "" {
		f.stream = NewStream(cfg.StreamURL, f.notify)
	}
	return f
}

// Snapshot returns the current snapshot and whether any fetch has succeeded yet.
func (f *Feed) Snapshot() (Snapshot, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.snapshot, f.hasData
}

// StreamStatus reports the push-stream state; ok is false when no stream is configured.
func (f *Feed) StreamStatus() (StreamStatus, bool) {
	if f.stream == nil {
		return StreamStatus{}, false
	}
	return f.stream.Status(), true
}

// Subscribe registers handler for every applied update. The returned func
// removes it.
func (f *Feed) Subscribe(handler func(Snapshot)) func() {
	f.subMu.Lock()
	id := f.nextSub
	f.nextSub++
	f.subs[id] = handler
	f.subMu.Unlock()
	return func() {
		f.subMu.Lock()
		delete(f.subs, id)
		f.subMu.Unlock()
	}
}

func (f *Feed) publish(s Snapshot) {
	f.subMu.Lock()
	handlers := make([]func(Snapshot), 0, len(f.subs))
	for _, h := range f.subs {
		handlers = append(handlers, h)
	}
	f.subMu.Unlock()
	for _, h := range handlers {
		h(s)
	}
}

// Refresh 并发获取 blockdag 与余额。较晚开始的刷新一旦已被应用，较早的结果会被丢弃。
func (f *Feed) Refresh(ctx context.Context) (Snapshot, error) {
	seq := f.seq.Add(1)
	ctx, span := tracer.Start(ctx, "feed.refresh")
	defer span.End()
	span.SetAttributes(attribute.Int64("feed.seq", int64(seq)))

	var (
		dag   BlockDAG
		bal   Balance
		price float64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		dag, err = f.source.BlockDAG(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		bal, err = f.source.Balance(gctx, f.address)
		return err
	})
	err := g.Wait()
	if err == nil {
		// 价格仅作参考，失败不影响快照。
		if p, perr := f.source.Price(ctx); perr == nil {
			price = p
		} else {
			f.logger.Debug("price fetch failed", slog.String("error", perr.Error()))
		}
	}

	f.mu.Lock()
	if seq <= f.applied {
		current := f.snapshot
		f.mu.Unlock()
		f.logger.Debug("discarding stale refresh", slog.Uint64("seq", seq))
		span.SetAttributes(attribute.Bool("feed.stale", true))
		if err != nil {
			return current, err
		}
		return current, nil
	}
	f.applied = seq
	if err != nil {
		f.snapshot.Connected = false
		f.snapshot.LastError = err.Error()
	} else {
		f.snapshot = Snapshot{
			WalletKas:   bal.Kas,
			WalletSompi: bal.Sompi,
			DAG:         dag,
			PriceUSD:    price,
			Address:     f.address,
			FetchedAt:   time.Now(),
			Connected:   true,
		}
		f.hasData = true
	}
	snap := f.snapshot
	f.mu.Unlock()

	metrics.ObserveFeedRefresh(err)
	if err == nil {
		metrics.SetWalletKas(snap.WalletKas)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		f.logger.Warn("chain feed refresh failed", slog.String("error", err.Error()))
	}
	f.publish(snap)
	return snap, err
}

// Run refreshes immediately and then on every poll tick, keeping the push
// stream connected when one is configured. It blocks until ctx is done or
// Close is called.
func (f *Feed) Run(ctx context.Context) error {
	f.lifeMu.Lock()
	if f.closed {
		f.lifeMu.Unlock()
		return ErrClosed
	}
	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.wg.Add(1)
	f.lifeMu.Unlock()
	defer f.wg.Done()
	defer cancel()

	if f.stream != nil {
		f.wg.Add(2)
		go func() {
			defer f.wg.Done()
			f.stream.Run(runCtx)
		}()
		go func() {
			defer f.wg.Done()
			f.debounceLoop(runCtx)
		}()
	}

	_, _ = f.Refresh(runCtx)
	ticker := time.NewTicker(f.poll)
	defer ticker.Stop()
	for {
		select {
		case <-runCtx.Done():
			return nil
		case <-ticker.C:
			_, _ = f.Refresh(runCtx)
		}
	}
}

// notify 由推送流在每条消息到达时调用；已有待执行的刷新时直接忽略。
func (f *Feed) notify() {
	if !f.pending.CompareAndSwap(false, true) {
		return
	}
	select {
	case f.trigger <- struct{}{}:
	default:
	}
}

func (f *Feed) debounceLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.trigger:
		}
		timer := time.NewTimer(f.debounce)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		f.pending.Store(false)
		_, _ = f.Refresh(ctx)
	}
}

// Close stops polling, the stream and any pending refresh, then waits for
// the goroutines to exit. Safe to call more than once.
func (f *Feed) Close() error {
	f.lifeMu.Lock()
	f.closed = true
	cancel := f.cancel
	f.lifeMu.Unlock()
	if cancel != nil {
		cancel()
	}
	f.wg.Wait()
	return nil
}

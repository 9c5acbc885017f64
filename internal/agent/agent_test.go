package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ForgeOS-Agent/internal/decision"
	"ForgeOS-Agent/internal/events"
	"ForgeOS-Agent/internal/execution"
	"ForgeOS-Agent/internal/feed"
	"ForgeOS-Agent/internal/journal"
	"ForgeOS-Agent/internal/llm"
	"ForgeOS-Agent/internal/profile"
	"ForgeOS-Agent/internal/quota"
	"ForgeOS-Agent/internal/risk"
	"ForgeOS-Agent/internal/session"
	"ForgeOS-Agent/internal/storage"
)

type stubFeed struct {
	mu   sync.Mutex
	snap feed.Snapshot
	ok   bool
}

func (f *stubFeed) Snapshot() (feed.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap, f.ok
}

func liveFeed(walletKas, daa float64) *stubFeed {
	return &stubFeed{ok: true, snap: feed.Snapshot{
		WalletKas: walletKas,
		DAG:       feed.BlockDAG{DAAScore: daa},
		Address:   "kaspatest:qqwallet",
		FetchedAt: time.Now(),
		Connected: true,
	}}
}

type stubDecider struct {
	dec   decision.Decision
	err   error
	calls atomic.Int32
	hook  func(ctx context.Context)
}

func (d *stubDecider) Decide(ctx context.Context, _ profile.AgentConfig, _ feed.Snapshot) (decision.Decision, error) {
	d.calls.Add(1)
	if d.hook != nil {
		d.hook(ctx)
	}
	return d.dec, d.err
}

type stubSigner struct {
	mu    sync.Mutex
	calls int
	err   error
	// entered/release 非空时，每次签名都阻塞到 release 关闭。
	entered chan struct{}
	release chan struct{}
}

func (s *stubSigner) Sign(_ context.Context, _ string, _ float64) (string, error) {
	if s.release != nil {
		s.entered <- struct{}{}
		<-s.release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return "f00dfeedf00dfeedf00dfeedf00dfeed", nil
}

func (s *stubSigner) Provider() string { return "rpc" }
func (s *stubSigner) Close()           {}

type blockingLLM struct{}

func (blockingLLM) Generate(ctx context.Context, _ llm.Request) (*llm.Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

var scopeSeq atomic.Int32

type harness struct {
	rt     *Runtime
	kv     *storage.Memory
	signer *stubSigner
	now    time.Time
}

func newHarness(t *testing.T, cfg Config, f Feed, d Decider) *harness {
	t.Helper()
	mem := storage.NewMemory()
	return newHarnessWithKV(t, cfg, f, d, mem, mem)
}

func newHarnessWithKV(t *testing.T, cfg Config, f Feed, d Decider, mem *storage.Memory, kv storage.KV) *harness {
	t.Helper()
	h := &harness{kv: mem, signer: &stubSigner{}, now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	if cfg.Agent.Name == "" {
		cfg.Agent = profile.AgentConfig{Name: "agent-" + string(rune('a'+scopeSeq.Add(1))), Risk: profile.RiskMedium, CapitalLimit: 5000}
	}
	if cfg.Network == "" {
		cfg.Network = "testnet-10"
	}
	if cfg.WalletAddress == "" {
		cfg.WalletAddress = "kaspatest:qqwallet"
	}
	rt, err := New(context.Background(), cfg, Deps{
		Feed:     f,
		Decider:  d,
		Signer:   h.signer,
		Quota:    quota.New(kv),
		Sessions: session.NewStore(kv),
	}, WithClock(func() time.Time { return h.now }))
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close(context.Background()) })
	h.rt = rt
	return h
}

func accumulate(amount float64) decision.Decision {
	return decision.Decision{
		Action:               decision.ActionAccumulate,
		ConfidenceScore:      0.82,
		RiskScore:            0.3,
		KellyFraction:        0.08,
		CapitalAllocationKas: amount,
		MonteCarloWinPct:     61,
		Rationale:            "Accumulate on DAA momentum",
		Source:               decision.SourceEngine,
	}
}

func findEntry(entries []journal.Entry, category journal.Category, prefix string) (journal.Entry, bool) {
	for _, e := range entries {
		if e.Type == category && strings.HasPrefix(e.Message, prefix) {
			return e, true
		}
	}
	return journal.Entry{}, false
}

func TestProvisionSeedsJournal(t *testing.T) {
	h := newHarness(t, Config{Agent: profile.AgentConfig{Name: "Atlas"}}, liveFeed(10, 101), &stubDecider{})
	if _, ok := findEntry(h.rt.Journal().Entries(), journal.CategorySystem, "Agent Atlas provisioned"); !ok {
		t.Fatalf("expected seed log entry")
	}
	if h.rt.Status() != session.StatusRunning {
		t.Fatalf("expected RUNNING, got %s", h.rt.Status())
	}
}

func TestClampIsLoggedAndAutoApproved(t *testing.T) {
	cfg := Config{
		Agent:              profile.AgentConfig{Name: "clamp", CapitalLimit: 5000, ExecMode: profile.ExecAutonomous, AutoApproveThreshold: 50},
		LiveExecutionArmed: true,
		ReserveKas:         0.5,
		NetworkFeeKas:      0.0002,
	}
	h := newHarness(t, cfg, liveFeed(10.5, 101), &stubDecider{dec: accumulate(100)})

	res, err := h.rt.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if res.Outcome != OutcomeAutoSigned {
		t.Fatalf("expected auto-signed, got %s (%s)", res.Outcome, res.Error)
	}
	if res.Item == nil || res.Item.AmountKas != 9.9998 {
		t.Fatalf("expected clamped amount 9.9998, got %+v", res.Item)
	}
	entries := h.rt.Journal().Entries()
	if _, ok := findEntry(entries, journal.CategorySystem, "Clamped execution amount from 100 to 9.9998 KAS"); !ok {
		t.Fatalf("missing clamp log entry")
	}
	if e, ok := findEntry(entries, journal.CategoryTreasury, "Fee split → Pool: 0.1400 KAS / Treasury: 0.0600 KAS"); !ok || e.Fee == nil || *e.Fee != 0.2 {
		t.Fatalf("missing treasury split entry: %+v", e)
	}
	if len(h.rt.Decisions()) != 1 {
		t.Fatalf("decision not recorded in history")
	}
}

func TestKillSwitchRejectsPendingAndStopsTicks(t *testing.T) {
	d := &stubDecider{dec: accumulate(10)}
	h := newHarness(t, Config{}, liveFeed(100, 101), d)
	for i := 0; i < 3; i++ {
		h.rt.Queue().Enqueue(execution.Item{Type: decision.ActionAccumulate, AmountKas: 1})
	}

	if n := h.rt.Kill(context.Background()); n != 3 {
		t.Fatalf("expected 3 cancelled, got %d", n)
	}
	if h.rt.Status() != session.StatusSuspended {
		t.Fatalf("expected SUSPENDED, got %s", h.rt.Status())
	}
	for _, it := range h.rt.Queue().Items() {
		if it.Status != execution.StatusRejected {
			t.Fatalf("item %s not rejected: %s", it.ID, it.Status)
		}
	}

	h.now = h.now.Add(time.Hour)
	if h.rt.Tick(context.Background()) {
		t.Fatalf("tick fired after kill switch")
	}
	if _, err := h.rt.RunCycle(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
	if d.calls.Load() != 0 {
		t.Fatalf("decider must not be called after kill")
	}
	if err := h.rt.Resume(context.Background()); !errors.Is(err, ErrSuspended) {
		t.Fatalf("resume must be refused, got %v", err)
	}
}

func TestTimeoutFallbackIsNeverAutoApproved(t *testing.T) {
	svc := decision.NewService(blockingLLM{}, decision.Config{Timeout: 20 * time.Millisecond})
	cfg := Config{
		Agent:              profile.AgentConfig{Name: "fallback", CapitalLimit: 5000, ExecMode: profile.ExecAutonomous, AutoApproveThreshold: 50},
		LiveExecutionArmed: true,
	}
	h := newHarness(t, cfg, liveFeed(100, 101), svc)

	res, err := h.rt.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if res.Decision == nil || !res.Decision.IsFallback() {
		t.Fatalf("expected fallback decision, got %+v", res.Decision)
	}
	if res.Outcome != OutcomeQueued {
		t.Fatalf("fallback must be queued for manual signature, got %s", res.Outcome)
	}
	if h.signer.calls != 0 {
		t.Fatalf("signer must not be called for a fallback decision")
	}
	if _, ok := findEntry(h.rt.Journal().Entries(), journal.CategorySystem, "Fallback decision source active (fallback_reason:timeout)"); !ok {
		t.Fatalf("missing fallback log entry")
	}
}

func TestQuotaLocksCycles(t *testing.T) {
	d := &stubDecider{dec: decision.Decision{Action: decision.ActionHold, ConfidenceScore: 0.9, RiskScore: 0.1, Source: decision.SourceEngine}}
	h := newHarness(t, Config{DailyCycleLimit: 1}, liveFeed(100, 101), d)

	if res, _ := h.rt.RunCycle(context.Background()); res.Outcome == OutcomeQuotaLocked {
		t.Fatalf("first cycle must run")
	}
	res, _ := h.rt.RunCycle(context.Background())
	if res.Outcome != OutcomeQuotaLocked {
		t.Fatalf("expected quota lock, got %s", res.Outcome)
	}
	if d.calls.Load() != 1 {
		t.Fatalf("decider called %d times", d.calls.Load())
	}
	if _, ok := findEntry(h.rt.Journal().Entries(), journal.CategorySystem, "Daily free cycle quota reached (1/1)"); !ok {
		t.Fatalf("missing quota log entry")
	}
}

func TestCycleLockFailsFast(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	d := &stubDecider{dec: accumulate(1), hook: func(context.Context) {
		close(entered)
		<-release
	}}
	h := newHarness(t, Config{}, liveFeed(100, 101), d)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.rt.RunCycle(context.Background())
	}()
	<-entered
	if _, err := h.rt.RunCycle(context.Background()); !errors.Is(err, ErrCycleInProgress) {
		t.Fatalf("expected ErrCycleInProgress, got %v", err)
	}
	if h.rt.Tick(context.Background()) {
		t.Fatalf("tick must skip while a cycle runs")
	}
	close(release)
	<-done
}

func TestKillDuringDecisionDiscardsResult(t *testing.T) {
	h := &harness{}
	d := &stubDecider{dec: accumulate(1)}
	d.hook = func(ctx context.Context) { h.rt.Kill(ctx) }
	cfg := Config{
		Agent:              profile.AgentConfig{Name: "discard", ExecMode: profile.ExecAutonomous},
		LiveExecutionArmed: true,
	}
	*h = *newHarness(t, cfg, liveFeed(100, 101), d)

	res, err := h.rt.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if res.Outcome != OutcomeDiscarded {
		t.Fatalf("expected discarded, got %s", res.Outcome)
	}
	if len(h.rt.Queue().Items()) != 0 || h.signer.calls != 0 {
		t.Fatalf("nothing may be executed after kill")
	}
}

func TestNoSnapshotLogsError(t *testing.T) {
	h := newHarness(t, Config{}, &stubFeed{}, &stubDecider{})
	res, err := h.rt.RunCycle(context.Background())
	if err != nil || res.Outcome != OutcomeNoSnapshot {
		t.Fatalf("unexpected result %+v err=%v", res, err)
	}
	if _, ok := findEntry(h.rt.Journal().Entries(), journal.CategoryError, "No live Kaspa data"); !ok {
		t.Fatalf("missing error entry")
	}
}

func TestDisarmedEmitsSignalOnly(t *testing.T) {
	h := newHarness(t, Config{}, liveFeed(100, 101), &stubDecider{dec: accumulate(5)})
	res, _ := h.rt.RunCycle(context.Background())
	if res.Outcome != OutcomeSignalOnly {
		t.Fatalf("expected signal only, got %s", res.Outcome)
	}
	if _, ok := findEntry(h.rt.Journal().Entries(), journal.CategoryExec, "Signal generated (ACCUMULATE) but no transaction broadcast because live execution is disarmed."); !ok {
		t.Fatalf("missing signal log entry")
	}
}

func TestTickRespectsCountdown(t *testing.T) {
	d := &stubDecider{dec: decision.Decision{Action: decision.ActionHold, ConfidenceScore: 0.9, RiskScore: 0.1}}
	h := newHarness(t, Config{CycleInterval: time.Minute}, liveFeed(100, 101), d)

	if h.rt.Tick(context.Background()) {
		t.Fatalf("tick fired before countdown elapsed")
	}
	h.now = h.now.Add(61 * time.Second)
	if !h.rt.Tick(context.Background()) {
		t.Fatalf("tick did not fire after countdown")
	}
	if d.calls.Load() != 1 {
		t.Fatalf("expected one cycle, got %d", d.calls.Load())
	}

	h.now = h.now.Add(2 * time.Minute)
	_ = h.rt.Pause(context.Background())
	if h.rt.Tick(context.Background()) {
		t.Fatalf("tick fired while paused")
	}
}

func TestSessionSurvivesRestart(t *testing.T) {
	kv := storage.NewMemory()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cfg := Config{Agent: profile.AgentConfig{Name: "persist"}, Network: "testnet-10", WalletAddress: "kaspatest:qqwallet"}
	deps := func() Deps {
		return Deps{
			Feed:     liveFeed(100, 101),
			Decider:  &stubDecider{dec: accumulate(5)},
			Signer:   &stubSigner{},
			Quota:    quota.New(kv),
			Sessions: session.NewStore(kv),
		}
	}
	clock := WithClock(func() time.Time { return now })

	first, err := New(context.Background(), cfg, deps(), clock)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := New(context.Background(), cfg, deps(), clock); !errors.Is(err, ErrScopeInUse) {
		t.Fatalf("expected ErrScopeInUse, got %v", err)
	}
	first.Queue().Enqueue(execution.Item{ID: "keep", Type: decision.ActionAccumulate, AmountKas: 2})
	_ = first.Pause(context.Background())
	_ = first.Close(context.Background())

	now = now.Add(10 * time.Minute)
	second, err := New(context.Background(), cfg, deps(), clock)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close(context.Background())
	if second.Status() != session.StatusPaused {
		t.Fatalf("status not restored: %s", second.Status())
	}
	if _, ok := second.Queue().Get("keep"); !ok {
		t.Fatalf("queue not restored")
	}
	ov := second.Overview(context.Background())
	if ov.NextCycleAt < now.Add(time.Second).UnixMilli() {
		t.Fatalf("next cycle must be at least one second ahead, got %d", ov.NextCycleAt)
	}
	if _, ok := findEntry(second.Journal().Entries(), journal.CategorySystem, "Agent persist provisioned"); !ok {
		t.Fatalf("journal not restored")
	}
}

func TestSignItemAndReject(t *testing.T) {
	bus := events.NewMemoryBus(8)
	h := newHarness(t, Config{}, liveFeed(100, 101), &stubDecider{})
	h.rt.bus = bus
	a := h.rt.Queue().Enqueue(execution.Item{Type: decision.ActionAccumulate, AmountKas: 3})
	b := h.rt.Queue().Enqueue(execution.Item{Type: decision.ActionAccumulate, AmountKas: 4})

	signed, err := h.rt.SignItem(context.Background(), a.ID)
	if err != nil || signed.Status != execution.StatusSigned {
		t.Fatalf("sign: %+v err=%v", signed, err)
	}
	if _, ok := findEntry(h.rt.Journal().Entries(), journal.CategoryExec, "SIGNED: ACCUMULATE · 3 KAS · txid: f00dfeedf00dfeed..."); !ok {
		t.Fatalf("missing signed entry")
	}
	if _, err := h.rt.RejectItem(context.Background(), a.ID); err == nil {
		t.Fatalf("signed item must not be rejected")
	}
	if _, err := h.rt.RejectItem(context.Background(), b.ID); err != nil {
		t.Fatalf("reject: %v", err)
	}

	h.signer.err = errors.New("wallet offline")
	c := h.rt.Queue().Enqueue(execution.Item{Type: decision.ActionAccumulate, AmountKas: 1})
	if _, err := h.rt.SignItem(context.Background(), c.ID); err == nil {
		t.Fatalf("expected signing failure")
	}
	if it, _ := h.rt.Queue().Get(c.ID); it.Status != execution.StatusPending {
		t.Fatalf("failed signing must leave the item pending, got %s", it.Status)
	}
}

// gatedKV 在 armed 后阻塞第一次会话写入，直到 release 关闭。
type gatedKV struct {
	*storage.Memory
	armed   atomic.Bool
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedKV) Put(ctx context.Context, key string, value []byte) error {
	if g.armed.Load() && strings.HasPrefix(key, "forgeos.dashboard.v1:") {
		first := false
		g.once.Do(func() { first = true })
		if first {
			close(g.entered)
			<-g.release
		}
	}
	return g.Memory.Put(ctx, key, value)
}

func TestKillSurvivesConcurrentCyclePersist(t *testing.T) {
	mem := storage.NewMemory()
	kv := &gatedKV{Memory: mem, entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarnessWithKV(t, Config{}, liveFeed(100, 101), &stubDecider{dec: accumulate(5)}, mem, kv)
	kv.armed.Store(true)

	cycleDone := make(chan struct{})
	go func() {
		defer close(cycleDone)
		_, _ = h.rt.RunCycle(context.Background())
	}()
	<-kv.entered

	killDone := make(chan struct{})
	go func() {
		defer close(killDone)
		h.rt.Kill(context.Background())
	}()
	deadline := time.Now().Add(2 * time.Second)
	for h.rt.Status() != session.StatusSuspended {
		if time.Now().After(deadline) {
			t.Fatalf("kill did not suspend the agent")
		}
		time.Sleep(time.Millisecond)
	}
	close(kv.release)
	<-cycleDone
	<-killDone

	st, ok := session.NewStore(mem).Read(context.Background(), h.rt.Scope())
	if !ok || st.Status != session.StatusSuspended {
		t.Fatalf("persisted status must be SUSPENDED, got %+v ok=%v", st.Status, ok)
	}
}

func TestKillDuringOperatorSignKeepsTxID(t *testing.T) {
	h := newHarness(t, Config{}, liveFeed(100, 101), &stubDecider{})
	h.signer.entered = make(chan struct{}, 1)
	h.signer.release = make(chan struct{})
	item := h.rt.Queue().Enqueue(execution.Item{Type: decision.ActionAccumulate, AmountKas: 2})

	type result struct {
		item execution.Item
		err  error
	}
	done := make(chan result, 1)
	go func() {
		it, err := h.rt.SignItem(context.Background(), item.ID)
		done <- result{it, err}
	}()
	<-h.signer.entered

	if _, err := h.rt.RejectItem(context.Background(), item.ID); !errors.Is(err, execution.ErrSigningInProgress) {
		t.Fatalf("reject during signing: expected ErrSigningInProgress, got %v", err)
	}
	h.rt.Kill(context.Background())
	close(h.signer.release)

	out := <-done
	if out.err != nil || out.item.Status != execution.StatusSigned || out.item.TxID == "" {
		t.Fatalf("broadcast must be recorded as signed: %+v err=%v", out.item, out.err)
	}
	if _, ok := findEntry(h.rt.Journal().Entries(), journal.CategoryExec, "SIGNED: ACCUMULATE · 2 KAS · txid: f00dfeedf00dfeed..."); !ok {
		t.Fatalf("journal must carry the txid")
	}
	if h.rt.Status() != session.StatusSuspended {
		t.Fatalf("agent must stay suspended, got %s", h.rt.Status())
	}
}

func TestZeroConfidenceFloorIsHonoured(t *testing.T) {
	low := accumulate(5)
	low.ConfidenceScore = 0.1

	floor := 0.0
	h := newHarness(t, Config{ConfidenceFloor: &floor}, liveFeed(100, 101), &stubDecider{dec: low})
	res, err := h.rt.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if res.Reason == risk.ReasonConfidence {
		t.Fatalf("floor 0 must not hold on confidence, got %+v", res)
	}

	d := newHarness(t, Config{}, liveFeed(100, 101), &stubDecider{dec: low})
	res, _ = d.rt.RunCycle(context.Background())
	if res.Reason != risk.ReasonConfidence {
		t.Fatalf("default floor should hold on confidence, got %+v", res)
	}
}

type staticSource struct{}

func (staticSource) BlockDAG(context.Context) (feed.BlockDAG, error) {
	return feed.BlockDAG{DAAScore: 7}, nil
}

func (staticSource) Balance(context.Context, string) (feed.Balance, error) {
	return feed.Balance{Kas: 12}, nil
}

func (staticSource) Price(context.Context) (float64, error) { return 0, nil }

func TestOverviewReportsStreamStatus(t *testing.T) {
	withStream := feed.New(staticSource{}, feed.Config{Address: "kaspatest:qqwallet", StreamURL: "ws://127.0.0.1:1/ws"})
	h := newHarness(t, Config{}, withStream, &stubDecider{})
	ov := h.rt.Overview(context.Background())
	if ov.Stream == nil || ov.Stream.Connected {
		t.Fatalf("expected a disconnected stream status, got %+v", ov.Stream)
	}

	pollOnly := newHarness(t, Config{}, feed.New(staticSource{}, feed.Config{Address: "kaspatest:qqwallet"}), &stubDecider{})
	if ov := pollOnly.rt.Overview(context.Background()); ov.Stream != nil {
		t.Fatalf("poll-only feed must not report a stream, got %+v", ov.Stream)
	}
}

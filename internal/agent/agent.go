package agent

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"

	"ForgeOS-Agent/internal/decision"
	xerrors "ForgeOS-Agent/internal/errors"
	"ForgeOS-Agent/internal/events"
	"ForgeOS-Agent/internal/execution"
	"ForgeOS-Agent/internal/feed"
	"ForgeOS-Agent/internal/journal"
	"ForgeOS-Agent/internal/observability/alerting"
	"ForgeOS-Agent/internal/observability/metrics"
	"ForgeOS-Agent/internal/profile"
	"ForgeOS-Agent/internal/quota"
	"ForgeOS-Agent/internal/risk"
	"ForgeOS-Agent/internal/session"
	"ForgeOS-Agent/internal/signer"
	"ForgeOS-Agent/pkg/logger"
)

const (
	DefaultCycleInterval   = 120 * time.Second
	DefaultDailyCycleLimit = 30
	// DefaultTreasuryAddress 同时作为默认的归集金库地址。
	DefaultTreasuryAddress = "kaspa:qpv7fcvdlz6th4hqjtm9qkkms2dw0raem963x3hm8glu3kjgj7922vy69hv85"
)

var tracer = otel.Tracer("forgeos/agent")

// Status 复用会话中的状态定义。
type Status = session.Status

var (
	// ErrCycleInProgress 表示已有周期在执行。
	ErrCycleInProgress = xerrors.New(xerrors.CodeConflict, "cycle already in progress")
	// ErrNotRunning 表示当前状态不允许执行周期。
	ErrNotRunning = xerrors.New(xerrors.CodeConflict, "agent is not running")
	// ErrSuspended 表示智能体已被熔断，只能重新创建。
	ErrSuspended = xerrors.New(xerrors.CodeConflict, "agent is suspended")
	// ErrScopeInUse 表示同一作用域已有运行时。
	ErrScopeInUse = xerrors.New(xerrors.CodeConflict, "scope already owned by another runtime")
)

// activeScopes 保证同一 scope 只有一个写入方。
var activeScopes sync.Map

// Feed is the part of the chain feed the runtime reads.
type Feed interface {
	Snapshot() (feed.Snapshot, bool)
}

// Decider produces one decision per cycle.
type Decider interface {
	Decide(ctx context.Context, agent profile.AgentConfig, snapshot feed.Snapshot) (decision.Decision, error)
}

// Config 汇总运行时参数。ConfidenceFloor 为 nil 时使用 risk.DefaultConfidenceFloor，显式 0 关闭置信度门槛。
type Config struct {
	Agent              profile.AgentConfig
	Network            string
	WalletAddress      string
	AccumulationVault  string
	CycleInterval      time.Duration
	DailyCycleLimit    int
	ConfidenceFloor    *float64
	ReserveKas         float64
	NetworkFeeKas      float64
	AccumulateOnly     bool
	MaxDailyAutoKas    float64
	LiveExecutionArmed bool
	Treasury           Treasury
}

func (c Config) withDefaults() Config {
	c.Agent = c.Agent.Normalized()
	if c.CycleInterval <= 0 {
		c.CycleInterval = DefaultCycleInterval
	}
	if c.DailyCycleLimit <= 0 {
		c.DailyCycleLimit = DefaultDailyCycleLimit
	}
	if c.ConfidenceFloor == nil || *c.ConfidenceFloor < 0 {
		floor := risk.DefaultConfidenceFloor
		c.ConfidenceFloor = &floor
	}
	if c.AccumulationVault == "" {
		c.AccumulationVault = DefaultTreasuryAddress
	}
	if c.Treasury == (Treasury{}) {
		c.Treasury = DefaultTreasury()
	}
	if c.WalletAddress == "" {
		c.WalletAddress = "unknown"
	}
	return c
}

// Deps are the collaborators the runtime drives.
type Deps struct {
	Feed     Feed
	Decider  Decider
	Signer   signer.Signer
	Quota    *quota.Store
	Sessions *session.Store
}

// Option 定义可选配置。
type Option func(*Runtime)

// WithEventBus publishes a signal after every cycle and operator action.
func WithEventBus(bus events.Publisher) Option {
	return func(r *Runtime) { r.bus = bus }
}

// WithAlerts 配置告警分发器。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(r *Runtime) { r.alerts = d }
}

// WithClock 替换时间源，测试使用。
func WithClock(now func() time.Time) Option {
	return func(r *Runtime) {
		if now != nil {
			r.now = now
		}
	}
}

// Runtime is one agent's orchestrator.
type Runtime struct {
	cfg        Config
	feed       Feed
	decider    Decider
	signer     signer.Signer
	quota      *quota.Store
	sessions   *session.Store
	queue      *execution.Queue
	journal    *journal.Journal
	bus        events.Publisher
	alerts     alerting.Dispatcher
	logger     *slog.Logger
	now        func() time.Time
	scope      string
	usageScope string

	cycling atomic.Bool

	// persistMu 覆盖从快照到写入的全过程，后取快照者一定后写入。
	persistMu sync.Mutex

	mu          sync.RWMutex
	status      Status
	execMode    profile.ExecMode
	armed       bool
	nextCycleAt time.Time
	decisions   []decision.Record

	lifeMu sync.Mutex
	cron   *cron.Cron
	closed bool
}

// New 创建运行时并从会话存储恢复状态。scope 被其他运行时占用时返回 ErrScopeInUse。
func New(ctx context.Context, cfg Config, deps Deps, opts ...Option) (*Runtime, error) {
	if deps.Feed == nil || deps.Decider == nil || deps.Quota == nil || deps.Sessions == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "agent runtime requires feed, decider, quota and session store")
	}
	cfg = cfg.withDefaults()
	if deps.Signer == nil {
		deps.Signer = signer.NewDemo()
	}

	r := &Runtime{
		cfg:        cfg,
		feed:       deps.Feed,
		decider:    deps.Decider,
		signer:     deps.Signer,
		quota:      deps.Quota,
		sessions:   deps.Sessions,
		queue:      execution.NewQueue(deps.Signer),
		now:        time.Now,
		scope:      session.NormalizeScope(session.Scope(cfg.Network, cfg.WalletAddress, cfg.Agent.Key())),
		usageScope: quota.NormalizeScope(cfg.Network + ":" + cfg.WalletAddress),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.logger = logger.Named("agent").With(slog.String("scope", r.scope))
	r.journal = journal.New(r.scope)

	if _, loaded := activeScopes.LoadOrStore(r.scope, r); loaded {
		return nil, xerrors.Wrap(xerrors.CodeConflict, ErrScopeInUse, r.scope)
	}
	r.restore(ctx)
	return r, nil
}

// restore 从会话存储恢复；没有记录时使用默认值并写入初始日志。
func (r *Runtime) restore(ctx context.Context) {
	now := r.now()
	st, ok := r.sessions.Read(ctx, r.scope)

	r.mu.Lock()
	defer r.mu.Unlock()
	if !ok {
		r.status = session.StatusRunning
		r.execMode = r.cfg.Agent.ExecMode
		r.armed = r.cfg.LiveExecutionArmed
		r.nextCycleAt = now.Add(r.cfg.CycleInterval)
		r.journal.Add(journal.CategorySystem, "Agent "+r.cfg.Agent.Name+" provisioned. Vault address mapped to session.", nil)
		r.logger.Info("agent provisioned", slog.String("agent", r.cfg.Agent.Name))
		return
	}

	r.status = st.Status
	if mode, valid := profile.ParseExecMode(string(st.ExecMode)); valid {
		r.execMode = mode
	} else {
		r.execMode = r.cfg.Agent.ExecMode
	}
	r.armed = st.LiveExecutionArmed
	r.queue.Restore(st.Queue)
	r.journal.Restore(st.Log)
	r.decisions = append([]decision.Record(nil), st.Decisions...)
	if st.NextAutoCycleAt > 0 {
		next := time.UnixMilli(st.NextAutoCycleAt)
		if floor := now.Add(time.Second); next.Before(floor) {
			next = floor
		}
		r.nextCycleAt = next
	} else {
		r.nextCycleAt = now.Add(r.cfg.CycleInterval)
	}
	r.logger.Info("agent session restored",
		slog.String("status", string(r.status)),
		slog.Int("queue", len(st.Queue)),
		slog.Int("log", len(st.Log)),
	)
}

// persist 写入会话存储，失败只记录调试日志。
func (r *Runtime) persist(ctx context.Context) {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	r.mu.RLock()
	st := session.State{
		Status:             r.status,
		ExecMode:           r.execMode,
		LiveExecutionArmed: r.armed,
		Queue:              r.queue.Items(),
		Log:                r.journal.Entries(),
		Decisions:          append([]decision.Record(nil), r.decisions...),
		NextAutoCycleAt:    r.nextCycleAt.UnixMilli(),
	}
	r.mu.RUnlock()
	r.sessions.Write(ctx, r.scope, st)
	metrics.SetPending(len(r.queue.Pending()))
}

// Scope 返回运行时的持久化作用域。
func (r *Runtime) Scope() string { return r.scope }

// Journal 返回审计日志。
func (r *Runtime) Journal() *journal.Journal { return r.journal }

// Queue 返回执行队列。
func (r *Runtime) Queue() *execution.Queue { return r.queue }

// Decisions returns the decision history, newest first.
func (r *Runtime) Decisions() []decision.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]decision.Record(nil), r.decisions...)
}

func (r *Runtime) recordDecision(rec decision.Record) {
	r.mu.Lock()
	r.decisions = append([]decision.Record{rec}, r.decisions...)
	if len(r.decisions) > session.MaxDecisions {
		r.decisions = r.decisions[:session.MaxDecisions]
	}
	r.mu.Unlock()
}

// Status 返回当前状态。
func (r *Runtime) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

func (r *Runtime) suspended() bool {
	return r.Status() == session.StatusSuspended
}

// Start launches the countdown tick (@every 1s).
func (r *Runtime) Start(ctx context.Context) error {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()
	if r.closed {
		return xerrors.New(xerrors.CodeConflict, "agent runtime closed")
	}
	if r.cron != nil {
		return nil
	}
	c := cron.New(
		cron.WithLogger(cronLogger{r.logger}),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{r.logger})),
	)
	if _, err := c.AddFunc("@every 1s", func() { r.Tick(ctx) }); err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "register cycle tick")
	}
	c.Start()
	r.cron = c
	r.logger.Info("agent scheduler started", slog.Duration("cycle_interval", r.cfg.CycleInterval))
	return nil
}

// Tick fires a cycle when the agent is running, idle, the feed is live and
// the countdown has elapsed.
func (r *Runtime) Tick(ctx context.Context) bool {
	if r.cycling.Load() {
		return false
	}
	snap, ok := r.feed.Snapshot()
	if !ok || !snap.Live() {
		return false
	}
	now := r.now()
	r.mu.Lock()
	if r.status != session.StatusRunning || now.Before(r.nextCycleAt) {
		r.mu.Unlock()
		return false
	}
	r.nextCycleAt = now.Add(r.cfg.CycleInterval)
	r.mu.Unlock()

	if _, err := r.RunCycle(ctx); err != nil {
		r.logger.Debug("scheduled cycle skipped", slog.String("error", err.Error()))
	}
	return true
}

// Close stops the tick and the feed, persists once more and releases the scope.
func (r *Runtime) Close(ctx context.Context) error {
	r.lifeMu.Lock()
	if r.closed {
		r.lifeMu.Unlock()
		return nil
	}
	r.closed = true
	c := r.cron
	r.cron = nil
	r.lifeMu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	if closer, ok := r.feed.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			r.logger.Warn("close chain feed", slog.String("error", err.Error()))
		}
	}
	r.persist(ctx)
	activeScopes.Delete(r.scope)
	r.logger.Info("agent runtime closed")
	return nil
}

type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

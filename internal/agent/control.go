package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	xerrors "ForgeOS-Agent/internal/errors"
	"ForgeOS-Agent/internal/events"
	"ForgeOS-Agent/internal/execution"
	"ForgeOS-Agent/internal/feed"
	"ForgeOS-Agent/internal/journal"
	"ForgeOS-Agent/internal/observability/alerting"
	"ForgeOS-Agent/internal/profile"
	"ForgeOS-Agent/internal/quota"
	"ForgeOS-Agent/internal/session"
	"ForgeOS-Agent/internal/signer"
)

// Pause 把 RUNNING 切换为 PAUSED。
func (r *Runtime) Pause(ctx context.Context) error {
	r.mu.Lock()
	switch r.status {
	case session.StatusSuspended:
		r.mu.Unlock()
		return ErrSuspended
	case session.StatusPaused:
		r.mu.Unlock()
		return nil
	}
	r.status = session.StatusPaused
	r.mu.Unlock()
	r.journal.Add(journal.CategorySystem, "Agent paused by operator.", nil)
	r.persist(ctx)
	return nil
}

// Resume switches PAUSED back to RUNNING and restarts the countdown. A
// suspended agent cannot be resumed.
func (r *Runtime) Resume(ctx context.Context) error {
	r.mu.Lock()
	switch r.status {
	case session.StatusSuspended:
		r.mu.Unlock()
		return ErrSuspended
	case session.StatusRunning:
		r.mu.Unlock()
		return nil
	}
	r.status = session.StatusRunning
	r.nextCycleAt = r.now().Add(r.cfg.CycleInterval)
	r.mu.Unlock()
	r.journal.Add(journal.CategorySystem, "Agent resumed by operator.", nil)
	r.persist(ctx)
	return nil
}

// Kill suspends the agent immediately and rejects every pending item. It
// never waits on an in-flight cycle; that cycle discards its result.
func (r *Runtime) Kill(ctx context.Context) int {
	r.mu.Lock()
	r.status = session.StatusSuspended
	r.mu.Unlock()

	r.journal.Add(journal.CategorySystem, "KILL-SWITCH activated — agent suspended. All pending actions cancelled.", nil)
	cancelled := r.queue.KillAll()
	r.logger.Warn("kill switch activated", slog.Int("cancelled", cancelled))

	if r.alerts != nil {
		err := xerrors.New(xerrors.CodeConflict, "kill switch activated",
			xerrors.WithSeverity(xerrors.SeverityCritical),
			xerrors.WithMetadata("cancelled", fmt.Sprint(cancelled)),
		)
		if aerr := r.alerts.Notify(ctx, alerting.FromError(err, r.scope, r.cfg.Agent.Name)); aerr != nil {
			r.logger.Warn("kill switch alert failed", slog.String("error", aerr.Error()))
		}
	}
	r.publish(ctx, events.Signal{Kind: events.KindKill, Message: fmt.Sprintf("%d pending actions cancelled", cancelled)})
	r.persist(ctx)
	return cancelled
}

// Arm 开启或关闭实盘执行。
func (r *Runtime) Arm(ctx context.Context, armed bool) {
	r.mu.Lock()
	r.armed = armed
	r.mu.Unlock()
	state := "disarmed"
	if armed {
		state = "armed"
	}
	r.journal.Add(journal.CategorySystem, "Live execution "+state+" by operator.", nil)
	r.persist(ctx)
}

// SetExecMode 切换执行模式。
func (r *Runtime) SetExecMode(ctx context.Context, raw string) (profile.ExecMode, error) {
	mode, ok := profile.ParseExecMode(raw)
	if !ok {
		return "", xerrors.Newf(xerrors.CodeInvalidArgument, "unknown exec mode %q", raw)
	}
	r.mu.Lock()
	r.execMode = mode
	r.mu.Unlock()
	r.journal.Add(journal.CategorySystem, "Execution mode set to "+string(mode)+".", nil)
	r.persist(ctx)
	return mode, nil
}

// SignItem signs a pending item through the signing provider. On failure the
// item stays pending.
func (r *Runtime) SignItem(ctx context.Context, id string) (execution.Item, error) {
	if r.suspended() {
		return execution.Item{}, ErrSuspended
	}
	item, err := r.queue.Sign(ctx, id)
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeSigningFailure {
			r.journal.Add(journal.CategorySign, "Signing failed for "+id+": "+reasonOf(err), nil)
			r.alert(ctx, err)
		}
		return item, err
	}
	r.journal.Add(journal.CategoryExec,
		fmt.Sprintf("SIGNED: %s · %s KAS · txid: %s...", item.Type, formatNumber(item.AmountKas), shortTxID(item.TxID)),
		journal.Fee(0.08))
	r.logTreasury()
	r.publish(ctx, executionSignal(item, string(execution.OutcomeAutoSigned)))
	r.persist(ctx)
	return item, nil
}

// RejectItem 拒绝一笔待签名交易。
func (r *Runtime) RejectItem(ctx context.Context, id string) (execution.Item, error) {
	item, err := r.queue.Reject(id)
	if err != nil {
		return item, err
	}
	r.journal.Add(journal.CategorySign, "Transaction rejected by operator: "+id, nil)
	r.persist(ctx)
	return item, nil
}

// Overview 是 API 展示的运行时概要。
type Overview struct {
	Agent              profile.AgentConfig `json:"agent"`
	Scope              string              `json:"scope"`
	Status             Status              `json:"status"`
	ExecMode           profile.ExecMode    `json:"execMode"`
	LiveExecutionArmed bool                `json:"liveExecutionArmed"`
	ExecutionReady     bool                `json:"executionReady"`
	AccumulateOnly     bool                `json:"accumulateOnly"`
	SignerProvider     string              `json:"signerProvider"`
	NextCycleAt        int64               `json:"nextAutoCycleAt"`
	CountdownSeconds   int64               `json:"countdownSeconds"`
	Pending            int                 `json:"pending"`
	SpendableKas       float64             `json:"spendableKas"`
	TotalFeesKas       float64             `json:"totalFeesKas"`
	Usage              quota.State         `json:"usage"`
	Cycling            bool                `json:"cycling"`
	Feed               *feed.Snapshot      `json:"feed,omitempty"`
	Stream             *feed.StreamStatus  `json:"stream,omitempty"`
}

// streamReporter 由配置了推送流的 feed.Feed 实现。
type streamReporter interface {
	StreamStatus() (feed.StreamStatus, bool)
}

// Overview 汇总当前状态。
func (r *Runtime) Overview(ctx context.Context) Overview {
	now := r.now()
	snap, hasSnap := r.feed.Snapshot()

	r.mu.RLock()
	ov := Overview{
		Agent:              r.cfg.Agent,
		Scope:              r.scope,
		Status:             r.status,
		ExecMode:           r.execMode,
		LiveExecutionArmed: r.armed,
		AccumulateOnly:     r.cfg.AccumulateOnly,
		SignerProvider:     r.signer.Provider(),
		NextCycleAt:        r.nextCycleAt.UnixMilli(),
	}
	if remaining := r.nextCycleAt.Sub(now); remaining > 0 {
		ov.CountdownSeconds = int64((remaining + 999e6) / 1e9)
	}
	r.mu.RUnlock()

	ov.ExecutionReady = r.executionReady(snap)
	ov.Pending = len(r.queue.Pending())
	ov.SpendableKas = r.spendable(snap)
	ov.TotalFeesKas = totalFees(r.journal.Entries())
	ov.Usage = r.quota.State(ctx, r.cfg.DailyCycleLimit, r.usageScope)
	ov.Cycling = r.cycling.Load()
	if hasSnap {
		ov.Feed = &snap
	}
	if sr, ok := r.feed.(streamReporter); ok {
		if st, ok := sr.StreamStatus(); ok {
			ov.Stream = &st
		}
	}
	return ov
}

func (r *Runtime) executionReady(snap feed.Snapshot) bool {
	return snap.Live() && !signer.IsDemo(r.signer)
}

func (r *Runtime) publish(ctx context.Context, sig events.Signal) {
	if r.bus == nil {
		return
	}
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	sig.Scope = r.scope
	sig.Agent = r.cfg.Agent.Name
	if sig.Timestamp == 0 {
		sig.Timestamp = r.now().UnixMilli()
	}
	if err := r.bus.Publish(ctx, sig); err != nil {
		r.logger.Debug("signal publish failed", slog.String("kind", string(sig.Kind)), slog.String("error", err.Error()))
	}
}

func (r *Runtime) alert(ctx context.Context, err error) {
	if r.alerts == nil || !xerrors.ShouldAlert(err) {
		return
	}
	if aerr := r.alerts.Notify(ctx, alerting.FromError(err, r.scope, r.cfg.Agent.Name)); aerr != nil {
		r.logger.Warn("alert dispatch failed", slog.String("error", aerr.Error()))
	}
}

func executionSignal(item execution.Item, outcome string) events.Signal {
	return events.Signal{
		Kind:      events.KindExecution,
		Action:    string(item.Type),
		Outcome:   outcome,
		AmountKas: item.AmountKas,
		TxID:      item.TxID,
		Source:    string(item.Source),
	}
}

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"ForgeOS-Agent/internal/decision"
	xerrors "ForgeOS-Agent/internal/errors"
	"ForgeOS-Agent/internal/events"
	"ForgeOS-Agent/internal/execution"
	"ForgeOS-Agent/internal/feed"
	"ForgeOS-Agent/internal/journal"
	"ForgeOS-Agent/internal/kaspa"
	"ForgeOS-Agent/internal/observability/metrics"
	"ForgeOS-Agent/internal/profile"
	"ForgeOS-Agent/internal/risk"
	"ForgeOS-Agent/internal/session"
)

// Outcome 标识一轮周期的结局。
type Outcome string

const (
	OutcomeNoSnapshot    Outcome = "no_snapshot"
	OutcomeQuotaLocked   Outcome = "quota_locked"
	OutcomeDecisionError Outcome = "decision_error"
	OutcomeDiscarded     Outcome = "discarded"
	OutcomeBlocked       Outcome = "blocked"
	OutcomeHold          Outcome = "hold"
	OutcomeNotify        Outcome = "notify"
	OutcomeSignalOnly    Outcome = "signal_only"
	OutcomeZeroAmount    Outcome = "zero_amount"
	OutcomeAutoSigned    Outcome = "auto_signed"
	OutcomeDemoted       Outcome = "demoted"
	OutcomeQueued        Outcome = "queued"
)

// CycleResult summarises one cycle.
type CycleResult struct {
	Outcome  Outcome            `json:"outcome"`
	Decision *decision.Decision `json:"decision,omitempty"`
	Verdict  risk.Verdict       `json:"verdict,omitempty"`
	Reason   risk.Reason        `json:"reason,omitempty"`
	Item     *execution.Item    `json:"item,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// RunCycle runs one decision cycle. It fails fast with ErrCycleInProgress
// when another cycle holds the lock and with ErrNotRunning unless RUNNING.
// Everything after that is reported through the journal and the result.
func (r *Runtime) RunCycle(ctx context.Context) (CycleResult, error) {
	if !r.cycling.CompareAndSwap(false, true) {
		return CycleResult{}, ErrCycleInProgress
	}
	defer r.cycling.Store(false)

	if r.Status() != session.StatusRunning {
		return CycleResult{}, ErrNotRunning
	}

	ctx, span := tracer.Start(ctx, "agent.cycle")
	defer span.End()
	span.SetAttributes(attribute.String("agent.scope", r.scope))

	res := r.runCycle(ctx)
	span.SetAttributes(attribute.String("cycle.outcome", string(res.Outcome)))
	if res.Error != "" {
		span.SetStatus(codes.Error, res.Error)
	}
	metrics.ObserveCycle(string(res.Outcome))

	r.persist(ctx)
	sig := events.Signal{Kind: events.KindCycle, Outcome: string(res.Outcome), Verdict: string(res.Verdict), Message: res.Error}
	if res.Decision != nil {
		sig.Action = string(res.Decision.Action)
		sig.Source = string(res.Decision.Source)
	}
	if res.Item != nil {
		sig.AmountKas = res.Item.AmountKas
		sig.TxID = res.Item.TxID
	}
	r.publish(ctx, sig)
	return res, nil
}

func (r *Runtime) runCycle(ctx context.Context) CycleResult {
	snap, ok := r.feed.Snapshot()
	if !ok {
		r.journal.Add(journal.CategoryError, "No live Kaspa data available. Reconnect feed before running cycle.", nil)
		return CycleResult{Outcome: OutcomeNoSnapshot}
	}
	metrics.SetWalletKas(snap.WalletKas)

	r.mu.Lock()
	r.nextCycleAt = r.now().Add(r.cfg.CycleInterval)
	r.mu.Unlock()
	r.journal.Add(journal.CategoryData,
		fmt.Sprintf("Kaspa DAG snapshot: DAA %s · Wallet %s KAS", formatDAA(snap.DAG.DAAScore), formatNumber(snap.WalletKas)), nil)

	usage, consumed := r.quota.Consume(ctx, r.cfg.DailyCycleLimit, r.usageScope)
	metrics.SetQuotaRemaining(usage.Remaining)
	if !consumed {
		r.journal.Add(journal.CategorySystem,
			fmt.Sprintf("Daily free cycle quota reached (%d/%d). Upgrade required for additional runs.", usage.Used, usage.Limit), nil)
		return CycleResult{Outcome: OutcomeQuotaLocked}
	}

	dec, err := r.decider.Decide(ctx, r.cfg.Agent, snap)
	if err != nil {
		r.journal.Add(journal.CategoryError, reasonOf(err), nil)
		r.alert(ctx, err)
		return CycleResult{Outcome: OutcomeDecisionError, Error: err.Error()}
	}

	if r.cfg.AccumulateOnly && dec.Action != decision.ActionAccumulate && dec.Action != decision.ActionHold {
		dec.Action = decision.ActionHold
		dec.Rationale = strings.TrimSpace(dec.Rationale + " Execution constrained by accumulate-only mode.")
	}
	metrics.ObserveDecision(string(dec.Action), string(dec.Source))

	r.journal.Add(journal.CategoryAI,
		fmt.Sprintf("%s · Conf %s · Kelly %.1f%% · Monte Carlo %s%% win · source:%s",
			dec.Action, formatNumber(dec.ConfidenceScore), dec.KellyFraction*100, formatNumber(dec.MonteCarloWinPct), dec.Source),
		journal.Fee(0.12))
	if dec.IsFallback() {
		detail := dec.SourceDetail
		if detail == "" {
			detail = "ai endpoint unavailable"
		}
		r.journal.Add(journal.CategorySystem,
			fmt.Sprintf("Fallback decision source active (%s). Auto-approve disabled for this cycle.", detail), nil)
	}

	res := CycleResult{Decision: &dec}
	if r.suspended() {
		r.logger.Info("discarding decision, agent suspended during cycle")
		res.Outcome = OutcomeDiscarded
		return res
	}

	ceiling := risk.Ceiling(r.cfg.Agent.Risk)
	spendable := r.spendable(snap)
	verdict := risk.Evaluate(dec, ceiling, *r.cfg.ConfidenceFloor, spendable)
	res.Verdict, res.Reason = verdict.Verdict, verdict.Reason
	metrics.ObserveVerdict(string(verdict.Verdict), string(verdict.Reason))

	switch {
	case verdict.Verdict == risk.VerdictBlock:
		r.journal.Add(journal.CategoryValid,
			fmt.Sprintf("Risk gate FAILED — score %s > %s ceiling", formatNumber(dec.RiskScore), formatNumber(ceiling)), nil)
		r.journal.Add(journal.CategoryExec, "BLOCKED by risk gate", journal.Fee(0.03))
		res.Outcome = OutcomeBlocked
		return res
	case verdict.Reason == risk.ReasonConfidence:
		r.journal.Add(journal.CategoryValid,
			fmt.Sprintf("Confidence %s < %s threshold", formatNumber(dec.ConfidenceScore), formatNumber(*r.cfg.ConfidenceFloor)), nil)
		r.journal.Add(journal.CategoryExec, "HOLD — confidence gate enforced", journal.Fee(0.08))
		res.Outcome = OutcomeHold
		return res
	case verdict.Reason == risk.ReasonBalance:
		r.journal.Add(journal.CategoryValid,
			fmt.Sprintf("Insufficient spendable balance after reserve (%s KAS + %s KAS network fee).",
				formatNumber(r.cfg.ReserveKas), formatNumber(r.cfg.NetworkFeeKas)), nil)
		r.journal.Add(journal.CategoryExec, "HOLD — waiting for available balance", journal.Fee(0.03))
		res.Outcome = OutcomeHold
		return res
	}

	r.journal.Add(journal.CategoryValid,
		fmt.Sprintf("Risk OK (%s) · Conf OK (%s) · Kelly %.1f%%", formatNumber(dec.RiskScore), formatNumber(dec.ConfidenceScore), dec.KellyFraction*100), nil)
	r.recordDecision(decision.Record{Timestamp: r.now(), Decision: dec, Snapshot: snap, Source: dec.Source})

	r.mu.RLock()
	mode, armed := r.execMode, r.armed
	r.mu.RUnlock()

	switch {
	case mode == profile.ExecNotify:
		r.journal.Add(journal.CategoryExec,
			fmt.Sprintf("NOTIFY mode active — %s signal recorded, no transaction broadcast.", dec.Action), journal.Fee(0.01))
		res.Outcome = OutcomeNotify
		return res
	case !armed || !r.executionReady(snap):
		reason := "network feed or wallet provider is not execution-ready"
		if !armed {
			reason = "live execution is disarmed"
		}
		r.journal.Add(journal.CategoryExec,
			fmt.Sprintf("Signal generated (%s) but no transaction broadcast because %s.", dec.Action, reason), journal.Fee(0.01))
		res.Outcome = OutcomeSignalOnly
		return res
	case dec.Action == decision.ActionHold:
		r.journal.Add(journal.CategoryExec, "HOLD — no action taken", journal.Fee(0.08))
		res.Outcome = OutcomeHold
		return res
	}

	if verdict.Clamped {
		r.journal.Add(journal.CategorySystem,
			fmt.Sprintf("Clamped execution amount from %s to %s KAS (available balance guardrail).",
				formatNumber(verdict.Requested), formatFixed(verdict.Amount, 4)), nil)
	}
	if !(verdict.Amount > 0) {
		r.journal.Add(journal.CategoryExec, "HOLD — computed execution amount is zero", journal.Fee(0.03))
		res.Outcome = OutcomeZeroAmount
		return res
	}

	// 熔断可能发生在等待决策之后，提交前再确认一次。
	if r.suspended() {
		res.Outcome = OutcomeDiscarded
		return res
	}
	item := execution.NewItem(dec, r.cfg.WalletAddress, r.cfg.AccumulationVault, verdict.Amount)
	submitted := r.queue.Submit(ctx, item, execution.Policy{
		ExecMode:        mode,
		Threshold:       r.cfg.Agent.AutoApproveThreshold,
		MaxDailyAutoKas: r.cfg.MaxDailyAutoKas,
	})
	metrics.ObserveExecution(string(submitted.Outcome))
	res.Item = &submitted.Item

	switch submitted.Outcome {
	case execution.OutcomeAutoSigned:
		r.journal.Add(journal.CategoryExec,
			fmt.Sprintf("AUTO-APPROVED: %s · %s KAS · txid: %s...", dec.Action, formatNumber(submitted.Item.AmountKas), shortTxID(submitted.Item.TxID)),
			journal.Fee(0.08))
		r.logTreasury()
		res.Outcome = OutcomeAutoSigned
	case execution.OutcomeCancelled:
		r.journal.Add(journal.CategorySign, "Auto-approve signing failed after kill-switch; action cancelled: "+reasonOf(submitted.Err), nil)
		res.Outcome = OutcomeDiscarded
		res.Error = submitted.Err.Error()
	case execution.OutcomeDemoted:
		r.journal.Add(journal.CategorySign, "Auto-approve fallback to manual queue: "+reasonOf(submitted.Err), nil)
		r.alert(ctx, submitted.Err)
		res.Outcome = OutcomeDemoted
		res.Error = submitted.Err.Error()
	default:
		r.journal.Add(journal.CategorySign,
			fmt.Sprintf("Action queued for wallet signature: %s · %s KAS", dec.Action, formatNumber(submitted.Item.AmountKas)), nil)
		res.Outcome = OutcomeQueued
	}
	r.logger.Info("cycle executed",
		slog.String("action", string(dec.Action)),
		slog.String("outcome", string(res.Outcome)),
		slog.Float64("amount_kas", submitted.Item.AmountKas),
	)
	return res
}

func (r *Runtime) spendable(snap feed.Snapshot) float64 {
	return risk.Spendable(snap.WalletKas, r.cfg.ReserveKas, r.cfg.NetworkFeeKas)
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatFixed(v float64, places int) string {
	return strconv.FormatFloat(v, 'f', places, 64)
}

func formatDAA(v float64) string {
	if v <= 0 {
		return "—"
	}
	return strconv.FormatFloat(v, 'f', 0, 64)
}

func shortTxID(txid string) string {
	if len(txid) > 16 {
		return txid[:16]
	}
	return txid
}

// reasonOf 去掉错误码前缀，仅保留可读信息。
func reasonOf(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := xerrors.From(err); ok {
		if cause := e.Unwrap(); cause != nil {
			return e.Message() + ": " + reasonOf(cause)
		}
		return e.Message()
	}
	return err.Error()
}

func totalFees(entries []journal.Entry) float64 {
	sum := 0.0
	for _, e := range entries {
		if e.Fee != nil {
			sum += *e.Fee
		}
	}
	return kaspa.Round(sum, 4)
}

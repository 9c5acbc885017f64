// Package risk 实现决策执行前的风险闸门。
package risk

import (
	"math"

	"ForgeOS-Agent/internal/decision"
	"ForgeOS-Agent/internal/kaspa"
	"ForgeOS-Agent/internal/profile"
)

const (
	DefaultConfidenceFloor = 0.75
	DefaultReserveKas      = 0.5
	DefaultNetworkFeeKas   = 0.0002
)

// Verdict 是闸门的判定结果。
type Verdict string

const (
	VerdictAllow Verdict = "ALLOW"
	VerdictHold  Verdict = "HOLD"
	VerdictBlock Verdict = "BLOCK"
)

// Reason 说明非 ALLOW 判定的具体原因。
type Reason string

const (
	ReasonNone       Reason = ""
	ReasonRisk       Reason = "risk"
	ReasonConfidence Reason = "confidence"
	ReasonBalance    Reason = "balance"
)

// Result is the outcome of Evaluate. Amount is only meaningful on ALLOW.
type Result struct {
	Verdict   Verdict
	Reason    Reason
	Amount    float64
	Requested float64
	Clamped   bool
}

// Ceiling returns the maximum acceptable risk score for a tier.
func Ceiling(tier profile.RiskTier) float64 {
	switch profile.ParseRiskTier(string(tier)) {
	case profile.RiskLow:
		return 0.40
	case profile.RiskHigh:
		return 0.85
	default:
		return 0.65
	}
}

// Spendable 返回扣除保留余额与网络手续费后可用的 KAS。
func Spendable(walletKas, reserve, networkFee float64) float64 {
	if math.IsNaN(walletKas) || math.IsInf(walletKas, 0) {
		return 0
	}
	return math.Max(0, walletKas-reserve-networkFee)
}

// Evaluate applies the checks in order: risk ceiling, confidence floor, then
// spendable balance for accumulation.
func Evaluate(dec decision.Decision, ceiling, floor, spendable float64) Result {
	requested := dec.CapitalAllocationKas
	switch {
	case dec.RiskScore > ceiling:
		return Result{Verdict: VerdictBlock, Reason: ReasonRisk, Requested: requested}
	case dec.ConfidenceScore < floor:
		return Result{Verdict: VerdictHold, Reason: ReasonConfidence, Requested: requested}
	case dec.Action == decision.ActionAccumulate && spendable <= 0:
		return Result{Verdict: VerdictHold, Reason: ReasonBalance, Requested: requested}
	}

	amount := requested
	clamped := false
	if dec.Action == decision.ActionAccumulate && requested > spendable {
		amount = kaspa.Round(spendable, 6)
		clamped = true
	}
	return Result{Verdict: VerdictAllow, Amount: amount, Requested: requested, Clamped: clamped}
}

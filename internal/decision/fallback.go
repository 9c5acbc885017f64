package decision

import (
	"fmt"
	"math"

	"ForgeOS-Agent/internal/feed"
	"ForgeOS-Agent/internal/profile"
)

func riskCap(tier profile.RiskTier) float64 {
	switch tier {
	case profile.RiskLow:
		return 0.04
	case profile.RiskHigh:
		return 0.12
	default:
		return 0.08
	}
}

func fallbackRiskScore(tier profile.RiskTier) float64 {
	switch tier {
	case profile.RiskLow:
		return 0.29
	case profile.RiskHigh:
		return 0.61
	default:
		return 0.43
	}
}

// Fallback 根据 DAA 分数与钱包余额生成确定性的保守决策。
// snapshot 为零值时钱包余额按 capitalLimit 估算。
func Fallback(agent profile.AgentConfig, snapshot feed.Snapshot, reason string) Decision {
	capitalLimit := math.Max(0, finite(agent.CapitalLimit))
	tier := profile.ParseRiskTier(string(agent.Risk))
	limit := riskCap(tier)

	walletKas := capitalLimit
	if !snapshot.FetchedAt.IsZero() {
		walletKas = finite(snapshot.WalletKas)
	}
	walletKas = math.Max(0, walletKas)
	modSignal := int64(math.Abs(math.Floor(finite(snapshot.DAG.DAAScore)))) % 4

	accumulate := walletKas > 1 && modSignal != 0
	allocation := 0.0
	if accumulate {
		allocation = math.Min(capitalLimit*limit, walletKas*0.15)
	}

	raw := map[string]any{
		"action":                 "HOLD",
		"confidence_score":       0.73,
		"risk_score":             fallbackRiskScore(tier),
		"kelly_fraction":         0.0,
		"capital_allocation_kas": allocation,
		"expected_value_pct":     0.2,
		"stop_loss_pct":          0.0,
		"take_profit_pct":        0.0,
		"monte_carlo_win_pct":    51.0,
		"volatility_estimate":    "LOW",
		"liquidity_impact":       "MINIMAL",
		"strategy_phase":         "HOLDING",
		"rationale": fmt.Sprintf("Fallback quant policy engaged because the decision engine is unavailable (%s). "+
			"Holding a conservative Kaspa accumulation posture under an explicit risk cap.", reason),
		"risk_factors": []any{
			"Decision engine unavailable",
			"Deterministic fallback sizing active",
			"Execution still requires wallet signature",
		},
		"next_review_trigger":    "Re-run after the next DAG refresh or once the decision engine is reachable again.",
		"decision_source_detail": "fallback_reason:" + reason,
	}
	if accumulate {
		raw["action"] = "ACCUMULATE"
		raw["confidence_score"] = 0.79
		raw["kelly_fraction"] = limit
		raw["expected_value_pct"] = 1.8
		raw["stop_loss_pct"] = 4.8
		raw["take_profit_pct"] = 9.5
		raw["monte_carlo_win_pct"] = 56.0
		raw["strategy_phase"] = "SCALING"
	}
	if modSignal >= 2 {
		raw["volatility_estimate"] = "MEDIUM"
	}
	if allocation > capitalLimit*0.1 {
		raw["liquidity_impact"] = "MODERATE"
	}
	return Sanitize(raw, capitalLimit, SourceFallback)
}

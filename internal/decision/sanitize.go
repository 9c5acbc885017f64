package decision

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"ForgeOS-Agent/internal/kaspa"
)

const (
	defaultRationale     = "No rationale returned by AI engine."
	defaultReviewTrigger = "On next cycle or major DAA/price movement."
	maxRiskFactors       = 5
	maxSourceDetail      = 180
)

var (
	actions      = []string{"ACCUMULATE", "REDUCE", "HOLD", "REBALANCE"}
	volatilities = []string{"LOW", "MEDIUM", "HIGH"}
	liquidities  = []string{"MINIMAL", "MODERATE", "SIGNIFICANT"}
	phases       = []string{"ENTRY", "SCALING", "HOLDING", "EXIT"}
)

// Sanitize maps an arbitrary object onto Decision. Every field falls back to
// a safe default, numbers are clamped into range, and the source is forced.
func Sanitize(raw map[string]any, capitalLimit float64, source Source) Decision {
	capitalLimit = math.Max(0, finite(capitalLimit))

	allocation := clamp(number(raw["capital_allocation_kas"], 0), 0, capitalLimit)
	var allocationPct float64
	if capitalLimit > 0 {
		allocationPct = clamp(allocation/capitalLimit*100, 0, 100)
	} else {
		allocationPct = clamp(number(raw["capital_allocation_pct"], 0), 0, 100)
	}

	return Decision{
		Action:               Action(enum(raw["action"], actions, "HOLD")),
		ConfidenceScore:      clamp(number(raw["confidence_score"], 0), 0, 1),
		RiskScore:            clamp(number(raw["risk_score"], 1), 0, 1),
		KellyFraction:        clamp(number(raw["kelly_fraction"], 0), 0, 1),
		CapitalAllocationKas: kaspa.Round(allocation, 6),
		CapitalAllocationPct: kaspa.Round(allocationPct, 2),
		ExpectedValuePct:     kaspa.Round(number(raw["expected_value_pct"], 0), 2),
		StopLossPct:          kaspa.Round(math.Max(0, number(raw["stop_loss_pct"], 0)), 2),
		TakeProfitPct:        kaspa.Round(math.Max(0, number(raw["take_profit_pct"], 0)), 2),
		MonteCarloWinPct:     kaspa.Round(clamp(number(raw["monte_carlo_win_pct"], 0), 0, 100), 2),
		VolatilityEstimate:   enum(raw["volatility_estimate"], volatilities, "MEDIUM"),
		LiquidityImpact:      enum(raw["liquidity_impact"], liquidities, "MODERATE"),
		StrategyPhase:        enum(raw["strategy_phase"], phases, "HOLDING"),
		Rationale:            text(raw["rationale"], defaultRationale),
		RiskFactors:          riskFactors(raw["risk_factors"]),
		NextReviewTrigger:    text(raw["next_review_trigger"], defaultReviewTrigger),
		Source:               source,
		SourceDetail:         truncateRunes(text(raw["decision_source_detail"], ""), maxSourceDetail),
	}
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

// number 按宽松规则把任意 JSON 值转换为有限浮点数，失败时返回 fallback。
func number(v any, fallback float64) float64 {
	var f float64
	switch n := v.(type) {
	case nil:
		return fallback
	case float64:
		f = n
	case int:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return fallback
		}
		f = parsed
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fallback
		}
		f = parsed
	case bool:
		if n {
			return 1
		}
		return 0
	default:
		return fallback
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fallback
	}
	return f
}

// text 空值或零值返回默认文本。
func text(v any, fallback string) string {
	switch s := v.(type) {
	case nil:
		return fallback
	case string:
		if s == "" {
			return fallback
		}
		return s
	case bool:
		if !s {
			return fallback
		}
	case float64:
		if s == 0 || math.IsNaN(s) {
			return fallback
		}
	}
	return fmt.Sprint(v)
}

func enum(v any, allowed []string, fallback string) string {
	candidate := strings.ToUpper(text(v, fallback))
	for _, a := range allowed {
		if a == candidate {
			return a
		}
	}
	return fallback
}

func riskFactors(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return []string{}
	}
	out := make([]string, 0, maxRiskFactors)
	for _, item := range list {
		if item == nil {
			continue
		}
		s := fmt.Sprint(item)
		if s == "" {
			continue
		}
		out = append(out, s)
		if len(out) == maxRiskFactors {
			break
		}
	}
	return out
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

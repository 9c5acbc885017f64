// Package decision turns a raw engine payload into a bounded, immutable
// trading decision, falling back to a deterministic policy when the engine
// is unreachable.
package decision

import (
	"time"

	"ForgeOS-Agent/internal/feed"
)

// Action 是决策建议的动作。
type Action string

const (
	ActionAccumulate Action = "ACCUMULATE"
	ActionReduce     Action = "REDUCE"
	ActionHold       Action = "HOLD"
	ActionRebalance  Action = "REBALANCE"
)

// Source 标记决策来自引擎还是本地回退策略。
type Source string

const (
	SourceEngine   Source = "engine"
	SourceFallback Source = "fallback"
)

// Decision is the sanitized output of one decision call. Treat it as a value;
// nothing mutates a Decision after Sanitize returns it.
type Decision struct {
	Action               Action   `json:"action"`
	ConfidenceScore      float64  `json:"confidence_score"`
	RiskScore            float64  `json:"risk_score"`
	KellyFraction        float64  `json:"kelly_fraction"`
	CapitalAllocationKas float64  `json:"capital_allocation_kas"`
	CapitalAllocationPct float64  `json:"capital_allocation_pct"`
	ExpectedValuePct     float64  `json:"expected_value_pct"`
	StopLossPct          float64  `json:"stop_loss_pct"`
	TakeProfitPct        float64  `json:"take_profit_pct"`
	MonteCarloWinPct     float64  `json:"monte_carlo_win_pct"`
	VolatilityEstimate   string   `json:"volatility_estimate"`
	LiquidityImpact      string   `json:"liquidity_impact"`
	StrategyPhase        string   `json:"strategy_phase"`
	Rationale            string   `json:"rationale"`
	RiskFactors          []string `json:"risk_factors"`
	NextReviewTrigger    string   `json:"next_review_trigger"`
	Source               Source   `json:"decision_source"`
	SourceDetail         string   `json:"decision_source_detail"`
}

// IsFallback reports whether the deterministic policy produced d.
func (d Decision) IsFallback() bool { return d.Source == SourceFallback }

// Record 是决策历史中的一条记录。
type Record struct {
	Timestamp time.Time     `json:"ts"`
	Decision  Decision      `json:"dec"`
	Snapshot  feed.Snapshot `json:"kasData"`
	Source    Source        `json:"source"`
}

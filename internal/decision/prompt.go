package decision

import (
	"encoding/json"
	"fmt"
	"strings"

	"ForgeOS-Agent/internal/feed"
	"ForgeOS-Agent/internal/profile"
)

const outputSchema = `{
  "action": "ACCUMULATE | REDUCE | HOLD | REBALANCE",
  "confidence_score": 0.00,
  "risk_score": 0.00,
  "kelly_fraction": 0.00,
  "capital_allocation_kas": 0.00,
  "capital_allocation_pct": 0,
  "expected_value_pct": 0.00,
  "stop_loss_pct": 0.00,
  "take_profit_pct": 0.00,
  "monte_carlo_win_pct": 0,
  "volatility_estimate": "LOW | MEDIUM | HIGH",
  "liquidity_impact": "MINIMAL | MODERATE | SIGNIFICANT",
  "strategy_phase": "ENTRY | SCALING | HOLDING | EXIT",
  "rationale": "Two short sentences naming the on-chain signals used.",
  "risk_factors": ["factor1", "factor2", "factor3"],
  "next_review_trigger": "Condition that should trigger the next decision cycle"
}`

// BuildPrompt 拼接代理配置、链上快照与输出格式约束。
func BuildPrompt(agent profile.AgentConfig, snapshot feed.Snapshot) string {
	snap, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		snap = []byte("{}")
	}

	var b strings.Builder
	b.WriteString("You are a quantitative trading agent operating on the Kaspa BlockDAG. ")
	b.WriteString("Reason adversarially about risk. Reply with a single JSON object and nothing else: no markdown, no prose, no code fences.\n\n")

	b.WriteString("AGENT PROFILE:\n")
	fmt.Fprintf(&b, "Name: %s\n", agent.Name)
	b.WriteString("Strategy: momentum / on-chain flow analysis\n")
	fmt.Fprintf(&b, "Risk Tolerance: %s (low=conservative, high=aggressive)\n", agent.Risk)
	fmt.Fprintf(&b, "KPI Target: %g%% ROI\n", agent.KPITarget)
	fmt.Fprintf(&b, "Capital per Cycle: %g KAS\n", agent.CapitalLimit)
	fmt.Fprintf(&b, "Auto-Approve Threshold: %g KAS\n\n", agent.AutoApproveThreshold)

	b.WriteString("KASPA ON-CHAIN DATA:\n")
	b.Write(snap)
	b.WriteString("\n\n")

	b.WriteString("REASONING REQUIREMENTS:\n")
	b.WriteString("1. Size the position with the Kelly criterion (kelly_fraction).\n")
	b.WriteString("2. Estimate the win probability over 100 simulated scenarios (monte_carlo_win_pct).\n")
	b.WriteString("3. Judge volatility clustering from DAA score velocity.\n")
	b.WriteString("4. Model the liquidity impact of the proposed size.\n")
	b.WriteString("5. Look for momentum and mean-reversion signals.\n")
	b.WriteString("6. Plan entry, management and exit.\n\n")

	b.WriteString("OUTPUT (strict JSON, every field required):\n")
	b.WriteString(outputSchema)
	return b.String()
}

package agent

import (
	"fmt"

	"github.com/shopspring/decimal"

	"ForgeOS-Agent/internal/journal"
)

// Treasury 描述每笔成交收取的协议费及其分配比例。
type Treasury struct {
	FeeRate       float64 `json:"fee_rate"`
	TreasurySplit float64 `json:"treasury_split"`
	AgentSplit    float64 `json:"agent_split"`
}

// DefaultTreasury 返回默认费率：0.20 KAS，30% 进入金库，70% 进入资金池。
func DefaultTreasury() Treasury {
	return Treasury{FeeRate: 0.20, TreasurySplit: 0.30, AgentSplit: 0.70}
}

// Split returns the pool and treasury shares of the fee.
func (t Treasury) Split() (pool, treasury decimal.Decimal) {
	fee := decimal.NewFromFloat(t.FeeRate)
	return fee.Mul(decimal.NewFromFloat(t.AgentSplit)), fee.Mul(decimal.NewFromFloat(t.TreasurySplit))
}

// Message 生成 TREASURY 日志文本。
func (t Treasury) Message() string {
	pool, treasury := t.Split()
	return fmt.Sprintf("Fee split → Pool: %s KAS / Treasury: %s KAS", pool.StringFixed(4), treasury.StringFixed(4))
}

func (r *Runtime) logTreasury() {
	r.journal.Add(journal.CategoryTreasury, r.cfg.Treasury.Message(), journal.Fee(r.cfg.Treasury.FeeRate))
}

// Package profile 定义智能体在创建时确定的只读参数。
package profile

import "strings"

// RiskTier 表示智能体的风险偏好档位。
type RiskTier string

const (
	RiskLow    RiskTier = "low"
	RiskMedium RiskTier = "medium"
	RiskHigh   RiskTier = "high"
)

// ExecMode 控制批准后的动作如何落地。
type ExecMode string

const (
	ExecAutonomous ExecMode = "autonomous"
	ExecManual     ExecMode = "manual"
	ExecNotify     ExecMode = "notify"
)

const (
	DefaultCapitalLimit         = 5000
	DefaultKPITarget            = 12
	DefaultAutoApproveThreshold = 50
)

// AgentConfig 在智能体创建后保持不变。
type AgentConfig struct {
	ID                   string   `json:"id"`
	Name                 string   `json:"name"`
	Risk                 RiskTier `json:"risk"`
	CapitalLimit         float64  `json:"capital_limit"`
	KPITarget            float64  `json:"kpi_target"`
	ExecMode             ExecMode `json:"exec_mode"`
	AutoApproveThreshold float64  `json:"auto_approve_threshold"`
}

// Normalized 返回填充默认值后的副本。
func (c AgentConfig) Normalized() AgentConfig {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		c.Name = "forge-agent"
	}
	c.Risk = ParseRiskTier(string(c.Risk))
	if c.CapitalLimit < 0 {
		c.CapitalLimit = 0
	}
	if c.KPITarget == 0 {
		c.KPITarget = DefaultKPITarget
	}
	if mode, ok := ParseExecMode(string(c.ExecMode)); ok {
		c.ExecMode = mode
	} else {
		c.ExecMode = ExecManual
	}
	if c.AutoApproveThreshold <= 0 {
		c.AutoApproveThreshold = DefaultAutoApproveThreshold
	}
	return c
}

// Key 返回用于作用域拼接的智能体标识。
func (c AgentConfig) Key() string {
	if id := strings.TrimSpace(c.ID); id != "" {
		return strings.ToLower(id)
	}
	if name := strings.TrimSpace(c.Name); name != "" {
		return strings.ToLower(name)
	}
	return "default"
}

// ParseRiskTier 未识别的档位按 medium 处理。
func ParseRiskTier(raw string) RiskTier {
	switch RiskTier(strings.ToLower(strings.TrimSpace(raw))) {
	case RiskLow:
		return RiskLow
	case RiskHigh:
		return RiskHigh
	default:
		return RiskMedium
	}
}

// ValidRiskTier reports whether raw names a known tier exactly.
func ValidRiskTier(raw string) bool {
	switch RiskTier(strings.ToLower(strings.TrimSpace(raw))) {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// ParseExecMode 解析执行模式。
func ParseExecMode(raw string) (ExecMode, bool) {
	switch mode := ExecMode(strings.ToLower(strings.TrimSpace(raw))); mode {
	case ExecAutonomous, ExecManual, ExecNotify:
		return mode, true
	}
	return "", false
}

package profile

import "testing"

func TestNormalizedDefaults(t *testing.T) {
	cfg := AgentConfig{Risk: "extreme", ExecMode: "yolo", CapitalLimit: -4}.Normalized()
	if cfg.Risk != RiskMedium {
		t.Fatalf("unknown risk should fall back to medium, got %s", cfg.Risk)
	}
	if cfg.ExecMode != ExecManual {
		t.Fatalf("unknown exec mode should fall back to manual, got %s", cfg.ExecMode)
	}
	if cfg.CapitalLimit != 0 {
		t.Fatalf("negative capital should clamp to 0")
	}
	if cfg.AutoApproveThreshold != DefaultAutoApproveThreshold || cfg.KPITarget != DefaultKPITarget {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestKeyPrefersID(t *testing.T) {
	if got := (AgentConfig{ID: "Agent-7", Name: "Alpha"}).Key(); got != "agent-7" {
		t.Fatalf("unexpected key %q", got)
	}
	if got := (AgentConfig{Name: "Alpha"}).Key(); got != "alpha" {
		t.Fatalf("unexpected key %q", got)
	}
	if got := (AgentConfig{}).Key(); got != "default" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestParseExecMode(t *testing.T) {
	if mode, ok := ParseExecMode(" Autonomous "); !ok || mode != ExecAutonomous {
		t.Fatalf("expected autonomous, got %q %v", mode, ok)
	}
	if _, ok := ParseExecMode("auto"); ok {
		t.Fatalf("auto is not a valid mode")
	}
}

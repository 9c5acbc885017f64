package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	xerrors "ForgeOS-Agent/internal/errors"
	"ForgeOS-Agent/internal/profile"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "forgeos.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{"agent":{"name":"Alpha"}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Runtime.CycleIntervalSeconds != 120 || cfg.Runtime.DailyCycleLimit != 30 {
		t.Fatalf("unexpected runtime defaults: %+v", cfg.Runtime)
	}
	if *cfg.Runtime.ReserveKas != 0.5 || *cfg.Runtime.NetworkFeeKas != 0.0002 {
		t.Fatalf("unexpected reserve/fee defaults")
	}
	if *cfg.Treasury.FeeRate != 0.2 || *cfg.Treasury.TreasurySplit != 0.3 || *cfg.Treasury.AgentSplit != 0.7 {
		t.Fatalf("unexpected treasury defaults")
	}
	if cfg.Runtime.AccumulationVault != defaultTreasuryAddress {
		t.Fatalf("vault should default to treasury address, got %s", cfg.Runtime.AccumulationVault)
	}
	if cfg.Agent.ExecMode != profile.ExecManual || cfg.Agent.Risk != profile.RiskMedium {
		t.Fatalf("unexpected agent defaults: %+v", cfg.Agent)
	}
	if cfg.Storage.Driver != "file" {
		t.Fatalf("expected file storage, got %s", cfg.Storage.Driver)
	}
	if want := filepath.Join(filepath.Dir(path), "data", "state"); cfg.Storage.Path != want {
		t.Fatalf("storage path = %s, want %s", cfg.Storage.Path, want)
	}
	if cfg.Engine.FallbackEnabled == nil || !*cfg.Engine.FallbackEnabled {
		t.Fatalf("fallback should default to enabled")
	}
}

func TestLoadKeepsExplicitZeroConfidenceFloor(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{"agent":{"name":"Zero"},"runtime":{"confidence_floor":0}}`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Runtime.ConfidenceFloor == nil || *cfg.Runtime.ConfidenceFloor != 0 {
		t.Fatalf("explicit zero floor was replaced: %v", cfg.Runtime.ConfidenceFloor)
	}

	cfg, err = Load(writeConfig(t, `{"agent":{"name":"Default"}}`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if *cfg.Runtime.ConfidenceFloor != 0.75 {
		t.Fatalf("missing floor should default to 0.75, got %v", *cfg.Runtime.ConfidenceFloor)
	}
}

func TestLoadRejectsUnsafeValues(t *testing.T) {
	cases := map[string]string{
		"split":     `{"treasury":{"treasury_split":0.5,"agent_split":0.6}}`,
		"fee":       `{"treasury":{"fee_rate":-0.1}}`,
		"reserve":   `{"runtime":{"reserve_kas":-1}}`,
		"limit":     `{"runtime":{"daily_cycle_limit":-3}}`,
		"floor":     `{"runtime":{"confidence_floor":1.5}}`,
		"exec_mode": `{"agent":{"exec_mode":"yolo"}}`,
		"risk":      `{"agent":{"risk":"extreme"}}`,
		"storage":   `{"storage":{"driver":"cassandra"}}`,
		"events":    `{"events":{"driver":"kafka"}}`,
		"engine":    `{"engine":{"provider":"openai"}}`,
		"prefix":    `{"network":{"id":"mainnet","wallet_address":"kaspatest:qqabc"}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			if err == nil {
				t.Fatalf("expected validation failure")
			}
			if xerrors.CodeOf(err) != xerrors.CodeConfigInvalid {
				t.Fatalf("expected CONFIG_INVALID, got %v", err)
			}
		})
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("FORGEOS_ENGINE_API_KEY", "sk-test")
	t.Setenv("FORGEOS_NETWORK", "mainnet")
	t.Setenv("FORGEOS_WALLET_ADDRESS", "kaspa:qqwallet")
	t.Setenv("FORGEOS_KAS_API", "https://a.example,https://b.example")
	t.Setenv("FORGEOS_ENGINE_FALLBACK", "false")

	cfg, err := Load(writeConfig(t, `{}`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.APIKey != "sk-test" || cfg.Network.ID != "mainnet" {
		t.Fatalf("env overrides not applied: %+v %+v", cfg.Engine, cfg.Network)
	}
	if len(cfg.Network.APIRoots) != 2 || cfg.Network.APIRoots[1] != "https://b.example" {
		t.Fatalf("unexpected roots: %v", cfg.Network.APIRoots)
	}
	if *cfg.Engine.FallbackEnabled {
		t.Fatalf("fallback should be disabled by env")
	}
}

func TestLoadRejectsMalformedEnvBool(t *testing.T) {
	t.Setenv("FORGEOS_LIVE_EXECUTION", "maybe")
	_, err := Load(writeConfig(t, `{}`))
	if err == nil || !strings.Contains(err.Error(), "FORGEOS_LIVE_EXECUTION") {
		t.Fatalf("expected env parse error, got %v", err)
	}
}

func TestLoadRequiresPath(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

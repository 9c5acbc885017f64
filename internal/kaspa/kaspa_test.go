package kaspa

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestResolveNetworkAliases(t *testing.T) {
	cases := map[string]string{
		"kaspa_testnet_10": "testnet-10",
		"TN11":             "testnet-11",
		"kaspa-mainnet":    "mainnet",
		"kaspasim":         "simnet",
		"":                 "testnet-10",
		"unknown-net":      "testnet-10",
	}
	for raw, want := range cases {
		if got := ResolveNetwork(raw).ID; got != want {
			t.Fatalf("ResolveNetwork(%q) = %s, want %s", raw, got, want)
		}
	}
}

func TestAddressPrefixCompatibility(t *testing.T) {
	tn := ResolveNetwork("testnet-10")
	if !IsAddressPrefixCompatible("kaspatest:qq123", tn) {
		t.Fatalf("kaspatest prefix should match testnet")
	}
	if IsAddressPrefixCompatible("kaspa:qq123", tn) {
		t.Fatalf("mainnet prefix should not match testnet")
	}
	if IsAddressPrefixCompatible(":qq", tn) || IsAddressPrefixCompatible("noprefix", tn) {
		t.Fatalf("malformed addresses should not match")
	}
}

func TestHints(t *testing.T) {
	if EndpointHint("https://api-tn10.kaspa.org") != HintTestnet {
		t.Fatalf("tn10 root should be testnet")
	}
	if EndpointHint("https://api.kaspa.org") != HintMainnet {
		t.Fatalf("api.kaspa.org should be mainnet")
	}
	if EndpointHint("https://mirror.example.com") != HintUnknown {
		t.Fatalf("mirror should be unknown")
	}
	if PathHint("/addresses/kaspatest:qq/balance") != HintTestnet {
		t.Fatalf("kaspatest path should be testnet")
	}
	if PathHint("/addresses/kaspa:qq/balance") != HintMainnet {
		t.Fatalf("kaspa path should be mainnet")
	}
	if PathHint("/info/blockdag") != HintUnknown {
		t.Fatalf("info path should be unknown")
	}
	if ProfileHint(ResolveNetwork("devnet")) != HintMainnet {
		t.Fatalf("non-testnet profiles hint mainnet")
	}
}

func TestUnits(t *testing.T) {
	if got := KasToSompi(1.23456789); got != 123456789 {
		t.Fatalf("unexpected sompi %d", got)
	}
	if got := KasToSompi(0.000000019); got != 1 {
		t.Fatalf("sub-sompi remainder should floor, got %d", got)
	}
	if KasToSompi(-3) != 0 {
		t.Fatalf("negative amounts convert to zero")
	}
	if got := SompiToKas(250000000); got != 2.5 {
		t.Fatalf("unexpected kas %v", got)
	}
	if got := Round(1.23456789, 6); got != 1.234568 {
		t.Fatalf("unexpected rounding %v", got)
	}
	if got := FormatKas(0.2*0.7, 4); got != "0.1400" {
		t.Fatalf("unexpected format %s", got)
	}
}

func TestNormalizeRoots(t *testing.T) {
	got := NormalizeRoots("https://a/", "", "https://b", "https://a", " https://c// ")
	want := []string{"https://a", "https://b", "https://c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestLoadEndpoints(t *testing.T) {
	path := filepath.Join(t.TempDir(), "endpoints.yaml")
	content := "networks:\n  kaspa_testnet_10:\n    api_roots:\n      - https://api-tn10.kaspa.org\n    stream_url: wss://tn10.example/ws\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	catalog, err := LoadEndpoints(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	set, ok := catalog.For(ResolveNetwork("tn10"))
	if !ok || len(set.APIRoots) != 1 || set.StreamURL != "wss://tn10.example/ws" {
		t.Fatalf("unexpected set: %+v ok=%v", set, ok)
	}
	if _, ok := catalog.For(ResolveNetwork("mainnet")); ok {
		t.Fatalf("mainnet should not be present")
	}

	empty, err := LoadEndpoints("")
	if err != nil || len(empty.Networks) != 0 {
		t.Fatalf("empty path should give empty catalogue")
	}
}

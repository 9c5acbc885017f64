package kaspa

import "strings"

// NetworkProfile describes one Kaspa network the runtime can target.
type NetworkProfile struct {
	ID              string
	Label           string
	Aliases         []string
	AddressPrefixes []string
}

// DefaultNetworkID is used when no network is configured.
const DefaultNetworkID = "testnet-10"

var profiles = []NetworkProfile{
	{
		ID:              "mainnet",
		Label:           "Kaspa Mainnet",
		Aliases:         []string{"mainnet", "kaspa_mainnet", "kaspa-mainnet", "mainnet-11", "mainnet11"},
		AddressPrefixes: []string{"kaspa"},
	},
	{
		ID:              "testnet-10",
		Label:           "Kaspa Testnet 10",
		Aliases:         []string{"testnet", "testnet10", "testnet-10", "tn10", "kaspa_testnet_10", "kaspa-testnet-10"},
		AddressPrefixes: []string{"kaspatest"},
	},
	{
		ID:              "testnet-11",
		Label:           "Kaspa Testnet 11",
		Aliases:         []string{"testnet11", "testnet-11", "tn11", "kaspa_testnet_11", "kaspa-testnet-11"},
		AddressPrefixes: []string{"kaspatest"},
	},
	{
		ID:              "testnet-12",
		Label:           "Kaspa Testnet 12",
		Aliases:         []string{"testnet12", "testnet-12", "tn12", "kaspa_testnet_12", "kaspa-testnet-12"},
		AddressPrefixes: []string{"kaspatest"},
	},
	{
		ID:              "devnet",
		Label:           "Kaspa Devnet",
		Aliases:         []string{"devnet", "kaspadev", "kaspa_devnet", "kaspa-devnet"},
		AddressPrefixes: []string{"kaspadev"},
	},
	{
		ID:              "simnet",
		Label:           "Kaspa Simnet",
		Aliases:         []string{"simnet", "kaspasim", "kaspa_simnet", "kaspa-simnet"},
		AddressPrefixes: []string{"kaspasim"},
	},
}

// Profiles returns a copy of the known network profiles.
func Profiles() []NetworkProfile {
	out := make([]NetworkProfile, len(profiles))
	copy(out, profiles)
	return out
}

func normalizeNetwork(raw string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "_", "-")
}

// LookupNetwork resolves raw against every profile alias.
func LookupNetwork(raw string) (NetworkProfile, bool) {
	normalized := normalizeNetwork(raw)
	for _, p := range profiles {
		for _, alias := range p.Aliases {
			if normalizeNetwork(alias) == normalized {
				return p, true
			}
		}
	}
	return NetworkProfile{}, false
}

// ResolveNetwork 与 LookupNetwork 相同，但未匹配时回退到 testnet-10。
func ResolveNetwork(raw string) NetworkProfile {
	if strings.TrimSpace(raw) == "" {
		raw = DefaultNetworkID
	}
	if p, ok := LookupNetwork(raw); ok {
		return p
	}
	return profiles[1]
}

// IsAddressPrefixCompatible checks the "<prefix>:" part of address.
func IsAddressPrefixCompatible(address string, profile NetworkProfile) bool {
	idx := strings.Index(address, ":")
	if idx < 1 {
		return false
	}
	prefix := strings.ToLower(address[:idx])
	for _, p := range profile.AddressPrefixes {
		if p == prefix {
			return true
		}
	}
	return false
}

// Hint is the coarse network family inferred from an endpoint or path.
type Hint string

const (
	HintMainnet Hint = "mainnet"
	HintTestnet Hint = "testnet"
	HintUnknown Hint = "unknown"
)

// ProfileHint 按配置档推断网络族：testnet-* 视为测试网，其余按主网处理。
func ProfileHint(profile NetworkProfile) Hint {
	if strings.HasPrefix(profile.ID, "testnet") {
		return HintTestnet
	}
	return HintMainnet
}

// EndpointHint infers the network family from an API root URL.
func EndpointHint(root string) Hint {
	value := strings.ToLower(root)
	switch {
	case strings.Contains(value, "tn10"), strings.Contains(value, "tn11"),
		strings.Contains(value, "tn12"), strings.Contains(value, "testnet"):
		return HintTestnet
	case strings.Contains(value, "api.kaspa.org"), strings.Contains(value, "mainnet"):
		return HintMainnet
	}
	return HintUnknown
}

// PathHint infers the network family from an address-scoped request path.
func PathHint(path string) Hint {
	value := strings.ToLower(path)
	switch {
	case strings.Contains(value, "/addresses/kaspatest:"):
		return HintTestnet
	case strings.Contains(value, "/addresses/kaspa:"):
		return HintMainnet
	}
	return HintUnknown
}

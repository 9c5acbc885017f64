package kaspa

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// EndpointCatalog models the YAML file that lists REST roots and stream
// endpoints per network.
type EndpointCatalog struct {
	Networks map[string]EndpointSet `yaml:"networks"`
}

// EndpointSet is the endpoint list for one network, in rank order.
type EndpointSet struct {
	APIRoots    []string `yaml:"api_roots"`
	StreamURL   string   `yaml:"stream_url"`
	Explorer    string   `yaml:"explorer"`
	Description string   `yaml:"description"`
}

// LoadEndpoints parses the endpoint catalogue. An empty path yields an empty catalogue.
func LoadEndpoints(path string) (EndpointCatalog, error) {
	if strings.TrimSpace(path) == "" {
		return EndpointCatalog{Networks: map[string]EndpointSet{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return EndpointCatalog{}, fmt.Errorf("读取节点配置失败: %w", err)
	}

	var catalog EndpointCatalog
	if err := yaml.Unmarshal(content, &catalog); err != nil {
		return EndpointCatalog{}, fmt.Errorf("解析节点配置失败: %w", err)
	}
	if catalog.Networks == nil {
		catalog.Networks = map[string]EndpointSet{}
	}
	return catalog, nil
}

// For returns the endpoint set registered for profile, matching either its
// ID or any alias.
func (c EndpointCatalog) For(profile NetworkProfile) (EndpointSet, bool) {
	for key, set := range c.Networks {
		if p, ok := LookupNetwork(key); ok && p.ID == profile.ID {
			return set, true
		}
	}
	return EndpointSet{}, false
}

// NormalizeRoots trims trailing slashes, drops empties and removes
// duplicates while keeping the first occurrence's rank.
func NormalizeRoots(roots ...string) []string {
	seen := make(map[string]struct{}, len(roots))
	out := make([]string, 0, len(roots))
	for _, root := range roots {
		root = strings.TrimRight(strings.TrimSpace(root), "/")
		if root == "" {
			continue
		}
		if _, ok := seen[root]; ok {
			continue
		}
		seen[root] = struct{}{}
		out = append(out, root)
	}
	return out
}

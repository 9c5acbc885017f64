package feed

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	xerrors "ForgeOS-Agent/internal/errors"
	"ForgeOS-Agent/internal/kaspa"
)

// Balance is a wallet balance as reported by a mirror.
type Balance struct {
	Kas   float64 `json:"kas"`
	Sompi float64 `json:"sompi"`
}

// BlockDAG carries the DAG metrics the runtime reasons about. Raw keeps
// the mirror's full payload so the decision prompt sees everything.
type BlockDAG struct {
	NetworkName string         `json:"networkName,omitempty"`
	BlockCount  float64        `json:"blockCount,omitempty"`
	HeaderCount float64        `json:"headerCount,omitempty"`
	Difficulty  float64        `json:"difficulty,omitempty"`
	DAAScore    float64        `json:"daaScore"`
	Raw         map[string]any `json:"raw,omitempty"`
}

// toFloat mirrors loose numeric coercion: numbers and numeric strings are
// accepted, anything else is reported as not finite.
func toFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, true
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// lookup walks a dotted path through nested objects.
func lookup(payload any, path string) (any, bool) {
	current := payload
	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok || current == nil {
			return nil, false
		}
	}
	return current, true
}

// firstPresent returns the first non-null value among paths.
func firstPresent(payload any, paths ...string) (any, bool) {
	for _, p := range paths {
		if v, ok := lookup(payload, p); ok {
			return v, true
		}
	}
	return nil, false
}

func extractSompi(payload any) float64 {
	raw, ok := firstPresent(payload, "balance", "totalBalance", "availableSompi", "balanceSompi", "balances.total")
	if !ok {
		return 0
	}
	v, ok := toFloat(raw)
	if !ok {
		return 0
	}
	return math.Max(0, v)
}

func extractBalance(payload any) Balance {
	sompi := extractSompi(payload)
	if raw, ok := firstPresent(payload, "balanceKas", "kas", "balance_kas", "balances.kas"); ok {
		if v, ok := toFloat(raw); ok {
			return Balance{Kas: kaspa.Round(math.Max(0, v), 4), Sompi: sompi}
		}
	}
	return Balance{Kas: kaspa.Round(kaspa.SompiToKas(sompi), 4), Sompi: sompi}
}

func extractUTXOs(payload any) []any {
	if list, ok := payload.([]any); ok {
		return list
	}
	for _, key := range []string{"utxos", "entries"} {
		if v, ok := lookup(payload, key); ok {
			if list, ok := v.([]any); ok {
				return list
			}
		}
	}
	return []any{}
}

func extractPrice(payload any) (float64, error) {
	raw, ok := lookup(payload, "price")
	if !ok {
		return 0, nil
	}
	v, ok := toFloat(raw)
	if !ok {
		return 0, xerrors.New(xerrors.CodeFeedUnavailable, "invalid price payload from chain API")
	}
	return v, nil
}

func extractBlockDAG(payload any) BlockDAG {
	body := payload
	if v, ok := firstPresent(payload, "blockdag", "blockDag"); ok {
		body = v
	}
	obj, _ := body.(map[string]any)
	dag := BlockDAG{Raw: obj}
	if obj == nil {
		return dag
	}
	if name, ok := obj["networkName"].(string); ok {
		dag.NetworkName = name
	}
	dag.BlockCount = numberAt(obj, "blockCount")
	dag.HeaderCount = numberAt(obj, "headerCount")
	dag.Difficulty = numberAt(obj, "difficulty")
	if raw, ok := firstPresent(obj, "daaScore", "virtualDaaScore"); ok {
		dag.DAAScore, _ = toFloat(raw)
	}
	return dag
}

func numberAt(obj map[string]any, key string) float64 {
	v, _ := toFloat(obj[key])
	return v
}

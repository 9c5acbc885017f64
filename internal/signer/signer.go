// Package signer hands approved transfers to a wallet. The runtime never
// holds keys: a provider either simulates signing (demo) or forwards the
// transfer to an external wallet bridge over JSON-RPC.
package signer

import (
	"context"
	"fmt"
	"strings"
)

const (
	ProviderDemo = "demo"
	ProviderRPC  = "rpc"
)

// Signer 是签名提供方的最小接口。
type Signer interface {
	Sign(ctx context.Context, to string, amountKas float64) (string, error)
	Provider() string
	Close()
}

// Config 描述签名提供方。
type Config struct {
	Provider string `json:"provider"`
	RPCURL   string `json:"rpc_url"`
	Method   string `json:"method"`
}

// New 根据配置创建签名提供方。
func New(ctx context.Context, cfg Config) (Signer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", ProviderDemo:
		return NewDemo(), nil
	case ProviderRPC:
		return DialRPC(ctx, RPCConfig{URL: cfg.RPCURL, Method: cfg.Method})
	default:
		return nil, fmt.Errorf("不支持的签名提供方 %s", cfg.Provider)
	}
}

// IsDemo reports whether s only simulates signing.
func IsDemo(s Signer) bool {
	return s == nil || s.Provider() == ProviderDemo
}

package signer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "ForgeOS-Agent/internal/errors"
	"ForgeOS-Agent/internal/kaspa"
)

const defaultSendMethod = "wallet_sendKaspa"

// RPCConfig 描述钱包桥的 JSON-RPC 端点。
type RPCConfig struct {
	URL    string
	Method string
}

// RPC forwards transfers to a wallet bridge as method(to, sompi) and expects
// the transaction id string in return.
type RPC struct {
	method string

	mu     sync.Mutex
	client *gethrpc.Client
}

// DialRPC 连接钱包桥。
func DialRPC(ctx context.Context, cfg RPCConfig) (*RPC, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("未配置钱包桥 RPC 地址")
	}
	client, err := gethrpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("连接钱包桥失败: %w", err)
	}
	method := strings.TrimSpace(cfg.Method)
	if method == "" {
		method = defaultSendMethod
	}
	return &RPC{method: method, client: client}, nil
}

// Sign converts amountKas to sompi, flooring any remainder, and calls the bridge.
func (r *RPC) Sign(ctx context.Context, to string, amountKas float64) (string, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "missing destination address")
	}
	sompi := kaspa.KasToSompi(amountKas)
	if sompi == 0 {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "amount rounds to zero sompi")
	}

	r.mu.Lock()
	client := r.client
	r.mu.Unlock()
	if client == nil {
		return "", xerrors.New(xerrors.CodeSigningFailure, "wallet bridge closed")
	}

	var txid string
	if err := client.CallContext(ctx, &txid, r.method, to, sompi); err != nil {
		return "", xerrors.Wrap(xerrors.CodeSigningFailure, err, "wallet bridge call failed")
	}
	if strings.TrimSpace(txid) == "" {
		return "", xerrors.New(xerrors.CodeSigningFailure, "wallet bridge returned empty txid")
	}
	return txid, nil
}

func (r *RPC) Provider() string { return ProviderRPC }

// Close releases the RPC connection.
func (r *RPC) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		r.client.Close()
		r.client = nil
	}
}

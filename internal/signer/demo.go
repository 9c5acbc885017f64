package signer

import (
	"context"
	"crypto/rand"
	"encoding/hex"

	xerrors "ForgeOS-Agent/internal/errors"
)

// Demo 生成随机交易 ID，不广播任何交易。
type Demo struct{}

// NewDemo 创建演示签名方。
func NewDemo() *Demo { return &Demo{} }

// Sign returns a random 64-hex-character transaction id.
func (d *Demo) Sign(ctx context.Context, to string, amountKas float64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if to == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "missing destination address")
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", xerrors.Wrap(xerrors.CodeSigningFailure, err, "generate demo txid")
	}
	return hex.EncodeToString(buf), nil
}

func (d *Demo) Provider() string { return ProviderDemo }

func (d *Demo) Close() {}

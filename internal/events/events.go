// Package events 把每轮决策与执行结果作为信号发布到消息总线，供下游消费。
package events

import (
	"context"
	"encoding/json"

	xerrors "ForgeOS-Agent/internal/errors"
)

// Kind 区分信号类型。
type Kind string

const (
	KindCycle     Kind = "cycle"
	KindExecution Kind = "execution"
	KindKill      Kind = "kill"
)

// Signal 是一次发布的事件。
type Signal struct {
	ID        string  `json:"id"`
	Kind      Kind    `json:"kind"`
	Scope     string  `json:"scope"`
	Agent     string  `json:"agent"`
	Action    string  `json:"action,omitempty"`
	Verdict   string  `json:"verdict,omitempty"`
	Outcome   string  `json:"outcome,omitempty"`
	AmountKas float64 `json:"amount_kas,omitempty"`
	TxID      string  `json:"txid,omitempty"`
	Source    string  `json:"decision_source,omitempty"`
	Message   string  `json:"message,omitempty"`
	Timestamp int64   `json:"ts"`
}

// Handler 处理一条信号。
type Handler func(ctx context.Context, sig Signal) error

// Publisher 负责投递信号。
type Publisher interface {
	Publish(ctx context.Context, sig Signal) error
	Close() error
}

// Consumer 负责消费信号。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Bus 同时具备发布与消费能力。
type Bus interface {
	Publisher
	Consumer
}

var (
	// ErrBusClosed 表示总线已经关闭。
	ErrBusClosed = xerrors.New(xerrors.CodeQueueFailure, "signal bus closed")
	// ErrBusFull 表示内存总线缓冲区已满。
	ErrBusFull = xerrors.New(xerrors.CodeQueueFailure, "signal bus buffer full", xerrors.WithAlert(false))
)

func encode(sig Signal) ([]byte, error) {
	raw, err := json.Marshal(sig)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "encode signal")
	}
	return raw, nil
}

func decode(raw []byte) (Signal, error) {
	var sig Signal
	if err := json.Unmarshal(raw, &sig); err != nil {
		return Signal{}, xerrors.Wrap(xerrors.CodeQueueFailure, err, "decode signal")
	}
	return sig, nil
}

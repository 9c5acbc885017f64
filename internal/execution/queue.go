// Package execution 管理待签名动作队列以及自动批准策略。
package execution

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"ForgeOS-Agent/internal/decision"
	xerrors "ForgeOS-Agent/internal/errors"
	"ForgeOS-Agent/internal/kaspa"
	"ForgeOS-Agent/internal/profile"
	"ForgeOS-Agent/pkg/logger"
)

// MaxEntries bounds the queue; the oldest entries are evicted first.
const MaxEntries = 160

const purposeRunes = 60

// Status 表示队列项的状态。
type Status string

const (
	StatusPending  Status = "pending"
	StatusSigned   Status = "signed"
	StatusRejected Status = "rejected"
)

var (
	// ErrItemNotFound 表示指定的队列项不存在。
	ErrItemNotFound = xerrors.New(xerrors.CodeNotFound, "queue item not found")
	// ErrNotPending 表示队列项已处于终态，不能再次流转。
	ErrNotPending = xerrors.New(xerrors.CodeConflict, "queue item is not pending", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrSigningInProgress 表示同一队列项正在签名。
	ErrSigningInProgress = xerrors.New(xerrors.CodeConflict, "queue item is already being signed", xerrors.WithSeverity(xerrors.SeverityWarning))
)

// Item 描述一笔等待钱包签名的动作。
type Item struct {
	ID        string          `json:"id"`
	Type      decision.Action `json:"type"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	AmountKas float64         `json:"amount_kas"`
	Purpose   string          `json:"purpose"`
	Status    Status          `json:"status"`
	CreatedAt int64           `json:"ts"`
	TxID      string          `json:"txid,omitempty"`
	Source    decision.Source `json:"decision_source"`
}

// Terminal reports whether the item can no longer change state.
func (i Item) Terminal() bool {
	return i.Status == StatusSigned || i.Status == StatusRejected
}

// NewItem builds a pending item from an approved decision.
func NewItem(dec decision.Decision, from, to string, amountKas float64) Item {
	purpose := []rune(dec.Rationale)
	if len(purpose) > purposeRunes {
		purpose = purpose[:purposeRunes]
	}
	return Item{
		Type:      dec.Action,
		From:      from,
		To:        to,
		AmountKas: kaspa.Round(amountKas, 6),
		Purpose:   string(purpose),
		Source:    dec.Source,
	}
}

// Signer 把一笔转账交给签名方并返回交易 ID。
type Signer interface {
	Sign(ctx context.Context, to string, amountKas float64) (string, error)
}

// Policy 是自动批准所需满足的条件。
type Policy struct {
	ExecMode        profile.ExecMode
	Threshold       float64
	MaxDailyAutoKas float64
}

// Outcome 描述 Submit 的处理结果。
type Outcome string

const (
	OutcomeAutoSigned Outcome = "auto_signed"
	OutcomeDemoted    Outcome = "demoted"
	OutcomeQueued     Outcome = "queued"
	// OutcomeCancelled 表示自动签名失败时队列已被熔断，降级项直接记为 rejected。
	OutcomeCancelled Outcome = "cancelled"
)

// SubmitResult carries the stored item; Err is set on demotion and cancellation.
type SubmitResult struct {
	Item    Item
	Outcome Outcome
	Err     error
}

// Queue is a bounded, newest-first list of actions. Only pending → signed and
// pending → rejected transitions are legal.
type Queue struct {
	signer Signer
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	items   []Item
	signing map[string]struct{}
	// cancelled 记录 KillAll 时仍在签名中的项；签名失败则直接拒绝。
	cancelled map[string]struct{}
	killGen   uint64
	dayKey    string
	dayTotal  float64
}

// NewQueue 创建队列；signer 为空时自动批准与 Sign 都会失败。
func NewQueue(signer Signer) *Queue {
	return &Queue{
		signer:  signer,
		logger:  logger.Named("execution"),
		now:     time.Now,
		signing:   make(map[string]struct{}),
		cancelled: make(map[string]struct{}),
	}
}

func (q *Queue) prepare(item Item) Item {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt == 0 {
		item.CreatedAt = q.now().UnixMilli()
	}
	return item
}

// insertLocked 调用方需持有 q.mu。
func (q *Queue) insertLocked(item Item) {
	q.items = append([]Item{item}, q.items...)
	if len(q.items) > MaxEntries {
		q.items = q.items[:MaxEntries]
	}
}

// Enqueue 以 pending 状态插入队首。
func (q *Queue) Enqueue(item Item) Item {
	item = q.prepare(item)
	item.Status = StatusPending
	item.TxID = ""
	q.mu.Lock()
	q.insertLocked(item)
	q.mu.Unlock()
	return item
}

// AutoApprovable 判断一项是否满足自动批准条件（不含每日额度）。
func AutoApprovable(policy Policy, amountKas float64, source decision.Source) bool {
	return policy.ExecMode == profile.ExecAutonomous &&
		amountKas <= policy.Threshold &&
		source == decision.SourceEngine
}

// reserveLocked 预占当日自动批准额度，调用方需持有 q.mu。
func (q *Queue) reserveLocked(limit, amount float64) bool {
	day := q.now().UTC().Format("2006-01-02")
	if q.dayKey != day {
		q.dayKey = day
		q.dayTotal = 0
	}
	if limit > 0 && q.dayTotal+amount > limit {
		return false
	}
	q.dayTotal += amount
	return true
}

func (q *Queue) releaseLocked(amount float64) {
	q.dayTotal -= amount
	if q.dayTotal < 0 {
		q.dayTotal = 0
	}
}

// Submit auto-signs item when the policy allows it, otherwise queues it as
// pending. A signing failure demotes the item to the pending queue.
func (q *Queue) Submit(ctx context.Context, item Item, policy Policy) SubmitResult {
	item = q.prepare(item)
	item.Status = StatusPending
	item.TxID = ""

	q.mu.Lock()
	auto := q.signer != nil && AutoApprovable(policy, item.AmountKas, item.Source)
	if auto && !q.reserveLocked(policy.MaxDailyAutoKas, item.AmountKas) {
		q.logger.Info("daily auto-approve exposure reached, queueing for manual signature",
			slog.Float64("amount_kas", item.AmountKas),
			slog.Float64("limit_kas", policy.MaxDailyAutoKas),
		)
		auto = false
	}
	if !auto {
		q.insertLocked(item)
		q.mu.Unlock()
		return SubmitResult{Item: item, Outcome: OutcomeQueued}
	}
	gen := q.killGen
	q.mu.Unlock()

	txid, err := q.signer.Sign(ctx, item.To, item.AmountKas)
	q.mu.Lock()
	defer q.mu.Unlock()
	if err != nil {
		q.releaseLocked(item.AmountKas)
		wrapped := xerrors.Wrap(xerrors.CodeSigningFailure, err, "auto-approve signing failed")
		if q.killGen != gen {
			item.Status = StatusRejected
			q.insertLocked(item)
			q.logger.Warn("auto-approve signing failed after kill switch, item rejected", slog.String("id", item.ID))
			return SubmitResult{Item: item, Outcome: OutcomeCancelled, Err: wrapped}
		}
		q.insertLocked(item)
		q.logger.Warn("auto-approve signing failed, item demoted",
			slog.String("id", item.ID),
			slog.String("error", err.Error()),
		)
		return SubmitResult{Item: item, Outcome: OutcomeDemoted, Err: wrapped}
	}
	item.Status = StatusSigned
	item.TxID = txid
	q.insertLocked(item)
	return SubmitResult{Item: item, Outcome: OutcomeAutoSigned}
}

func (q *Queue) indexLocked(id string) int {
	for i := range q.items {
		if q.items[i].ID == id {
			return i
		}
	}
	return -1
}

// Sign 通过签名方签署一笔 pending 项，成功后标记为 signed。签名期间该项不能被
// Reject 或 KillAll 改写；签名方一旦返回 txid，结果总是 signed。
func (q *Queue) Sign(ctx context.Context, id string) (Item, error) {
	q.mu.Lock()
	idx := q.indexLocked(id)
	if idx < 0 {
		q.mu.Unlock()
		return Item{}, ErrItemNotFound
	}
	item := q.items[idx]
	if item.Status != StatusPending {
		q.mu.Unlock()
		return item, ErrNotPending
	}
	if _, busy := q.signing[id]; busy {
		q.mu.Unlock()
		return item, ErrSigningInProgress
	}
	if q.signer == nil {
		q.mu.Unlock()
		return item, xerrors.New(xerrors.CodeSigningFailure, "no signing provider configured")
	}
	q.signing[id] = struct{}{}
	q.mu.Unlock()

	txid, err := q.signer.Sign(ctx, item.To, item.AmountKas)

	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.signing, id)
	_, killed := q.cancelled[id]
	delete(q.cancelled, id)
	idx = q.indexLocked(id)
	if err != nil {
		wrapped := xerrors.Wrap(xerrors.CodeSigningFailure, err, "signing failed")
		if idx < 0 {
			return item, wrapped
		}
		if killed && q.items[idx].Status == StatusPending {
			q.items[idx].Status = StatusRejected
		}
		return q.items[idx], wrapped
	}
	if idx < 0 {
		// 签名期间该项已被挤出队列，交易已经广播。
		item.Status = StatusSigned
		item.TxID = txid
		return item, nil
	}
	q.items[idx].Status = StatusSigned
	q.items[idx].TxID = txid
	if killed {
		q.logger.Warn("item signed while kill switch was active", slog.String("id", id), slog.String("txid", txid))
	}
	return q.items[idx], nil
}

// MarkSigned 记录外部完成的签名。
func (q *Queue) MarkSigned(id, txid string) (Item, error) {
	return q.transition(id, func(it *Item) {
		it.Status = StatusSigned
		it.TxID = txid
	})
}

// Reject 拒绝一笔 pending 项。
func (q *Queue) Reject(id string) (Item, error) {
	return q.transition(id, func(it *Item) { it.Status = StatusRejected })
}

func (q *Queue) transition(id string, apply func(*Item)) (Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexLocked(id)
	if idx < 0 {
		return Item{}, ErrItemNotFound
	}
	if q.items[idx].Status != StatusPending {
		return q.items[idx], ErrNotPending
	}
	if _, busy := q.signing[id]; busy {
		return q.items[idx], ErrSigningInProgress
	}
	apply(&q.items[idx])
	return q.items[idx], nil
}

// KillAll rejects every pending item and returns how many were rejected.
// Items with a signature in flight are left to Sign: they end up signed if
// the signer succeeds and rejected otherwise.
func (q *Queue) KillAll() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.killGen++
	n := 0
	for i := range q.items {
		if q.items[i].Status != StatusPending {
			continue
		}
		if _, busy := q.signing[q.items[i].ID]; busy {
			q.cancelled[q.items[i].ID] = struct{}{}
			continue
		}
		q.items[i].Status = StatusRejected
		n++
	}
	return n
}

// Get 返回指定队列项的副本。
func (q *Queue) Get(id string) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if idx := q.indexLocked(id); idx >= 0 {
		return q.items[idx], true
	}
	return Item{}, false
}

// Items returns a copy of the queue, newest first.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Item(nil), q.items...)
}

// Pending returns the pending items, newest first.
func (q *Queue) Pending() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, 0, len(q.items))
	for _, it := range q.items {
		if it.Status == StatusPending {
			out = append(out, it)
		}
	}
	return out
}

// Restore replaces the queue with persisted items; invalid entries are dropped.
func (q *Queue) Restore(items []Item) {
	restored := make([]Item, 0, len(items))
	for _, it := range items {
		if it.ID == "" {
			continue
		}
		switch it.Status {
		case StatusPending, StatusSigned, StatusRejected:
		default:
			continue
		}
		restored = append(restored, it)
		if len(restored) == MaxEntries {
			break
		}
	}
	q.mu.Lock()
	q.items = restored
	q.mu.Unlock()
}

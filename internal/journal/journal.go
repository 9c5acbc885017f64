// Package journal 记录编排器每一步的审计日志。
package journal

import (
	"log/slog"
	"sync"
	"time"

	"ForgeOS-Agent/pkg/logger"
)

// MaxEntries bounds the in-memory journal.
const MaxEntries = 320

// Category 标识日志条目的类别。
type Category string

const (
	CategoryData     Category = "DATA"
	CategoryAI       Category = "AI"
	CategoryValid    Category = "VALID"
	CategoryExec     Category = "EXEC"
	CategorySign     Category = "SIGN"
	CategoryTreasury Category = "TREASURY"
	CategorySystem   Category = "SYSTEM"
	CategoryError    Category = "ERROR"
)

// Entry 是一条日志。Fee 为空表示该步骤不计费。
type Entry struct {
	Timestamp int64    `json:"ts"`
	Type      Category `json:"type"`
	Message   string   `json:"msg"`
	Fee       *float64 `json:"fee,omitempty"`
}

// Time converts the millisecond timestamp.
func (e Entry) Time() time.Time { return time.UnixMilli(e.Timestamp) }

// Fee is a helper for the optional fee field.
func Fee(v float64) *float64 { return &v }

// Journal keeps the newest MaxEntries entries, newest first, and mirrors every
// entry to the audit logger.
type Journal struct {
	scope string
	audit *slog.Logger
	now   func() time.Time

	mu      sync.RWMutex
	entries []Entry

	subMu   sync.Mutex
	subs    map[int]func(Entry)
	nextSub int
}

// New 创建日志；scope 会附加到审计输出中。
func New(scope string) *Journal {
	return &Journal{
		scope: scope,
		audit: logger.Audit(),
		now:   time.Now,
		subs:  make(map[int]func(Entry)),
	}
}

// Add appends an entry and returns it.
func (j *Journal) Add(category Category, msg string, fee *float64) Entry {
	entry := Entry{Timestamp: j.now().UnixMilli(), Type: category, Message: msg, Fee: fee}

	j.mu.Lock()
	j.entries = append([]Entry{entry}, j.entries...)
	if len(j.entries) > MaxEntries {
		j.entries = j.entries[:MaxEntries]
	}
	j.mu.Unlock()

	attrs := []any{
		slog.String("category", string(category)),
		slog.String("scope", j.scope),
	}
	if fee != nil {
		attrs = append(attrs, slog.Float64("fee", *fee))
	}
	if category == CategoryError {
		j.audit.Warn(msg, attrs...)
	} else {
		j.audit.Info(msg, attrs...)
	}

	j.publish(entry)
	return entry
}

// Entries 返回日志副本，最新的在前。
func (j *Journal) Entries() []Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]Entry, len(j.entries))
	copy(out, j.entries)
	return out
}

// Len 返回当前条目数。
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.entries)
}

// Restore replaces the entries with a persisted list (newest first).
func (j *Journal) Restore(entries []Entry) {
	if len(entries) > MaxEntries {
		entries = entries[:MaxEntries]
	}
	cloned := make([]Entry, len(entries))
	copy(cloned, entries)
	j.mu.Lock()
	j.entries = cloned
	j.mu.Unlock()
}

// Subscribe registers fn for every new entry. The returned func removes it.
// fn runs on the writer's goroutine and must not block.
func (j *Journal) Subscribe(fn func(Entry)) func() {
	j.subMu.Lock()
	id := j.nextSub
	j.nextSub++
	j.subs[id] = fn
	j.subMu.Unlock()
	return func() {
		j.subMu.Lock()
		delete(j.subs, id)
		j.subMu.Unlock()
	}
}

func (j *Journal) publish(entry Entry) {
	j.subMu.Lock()
	handlers := make([]func(Entry), 0, len(j.subs))
	for _, fn := range j.subs {
		handlers = append(handlers, fn)
	}
	j.subMu.Unlock()
	for _, fn := range handlers {
		fn(entry)
	}
}

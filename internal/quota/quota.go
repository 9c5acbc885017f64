// Package quota 实现按 UTC 自然日滚动的周期配额。
package quota

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"ForgeOS-Agent/internal/storage"
	"ForgeOS-Agent/pkg/logger"
)

const (
	keyPrefix      = "forgeos.usage.v2"
	legacyKey      = "forgeos.usage.v1"
	maxScopeLength = 128
	defaultScope   = "global"
)

var scopeDisallowed = regexp.MustCompile(`[^a-z0-9:_-]`)

// Record 是持久化的使用记录。
type Record struct {
	Day  string `json:"day"`
	Used int    `json:"used"`
}

// State describes the quota for one scope on one day.
type State struct {
	Day       string `json:"day"`
	Used      int    `json:"used"`
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
	Locked    bool   `json:"locked"`
}

// Store keeps per-scope daily counters in a KV store. Storage errors are
// logged and otherwise ignored so a broken backend never blocks a cycle.
type Store struct {
	kv     storage.KV
	logger *slog.Logger
	now    func() time.Time
	mu     sync.Mutex
}

// New 创建配额存储。
func New(kv storage.KV) *Store {
	return &Store{kv: kv, logger: logger.Named("quota"), now: time.Now}
}

// NormalizeScope lowercases scope, replaces unsupported characters with "_",
// truncates it and falls back to "global".
func NormalizeScope(scope string) string {
	raw := strings.ToLower(strings.TrimSpace(scope))
	if raw == "" {
		raw = defaultScope
	}
	raw = scopeDisallowed.ReplaceAllString(raw, "_")
	if len(raw) > maxScopeLength {
		raw = raw[:maxScopeLength]
	}
	if raw == "" {
		return defaultScope
	}
	return raw
}

// Key 返回 scope 对应的存储键。
func Key(scope string) string {
	return keyPrefix + ":" + NormalizeScope(scope)
}

func safeLimit(limit int) int {
	if limit < 1 {
		return 1
	}
	return limit
}

func (s *Store) today() string {
	return s.now().UTC().Format("2006-01-02")
}

func (s *Store) read(ctx context.Context, key string) (Record, bool) {
	raw, err := s.kv.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Debug("usage record read failed", slog.String("key", key), slog.String("error", err.Error()))
		}
		return Record{}, false
	}
	var rec struct {
		Day  *string  `json:"day"`
		Used *float64 `json:"used"`
	}
	if err := json.Unmarshal(raw, &rec); err != nil || rec.Day == nil || rec.Used == nil {
		return Record{}, false
	}
	used := int(*rec.Used)
	if used < 0 {
		used = 0
	}
	return Record{Day: *rec.Day, Used: used}, true
}

func (s *Store) write(ctx context.Context, key string, rec Record) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := s.kv.Put(ctx, key, raw); err != nil {
		s.logger.Debug("usage record write failed", slog.String("key", key), slog.String("error", err.Error()))
	}
}

// normalize 读取记录；跨日或损坏时重置，否则把 used 限制在 limit 以内并回写。
func (s *Store) normalize(ctx context.Context, limit int, scope string) (string, Record) {
	key := Key(scope)
	today := s.today()
	existing, ok := s.read(ctx, key)
	if !ok && strings.TrimSpace(scope) == "" {
		existing, ok = s.read(ctx, legacyKey)
	}
	if !ok || existing.Day != today {
		reset := Record{Day: today}
		s.write(ctx, key, reset)
		return key, reset
	}
	if ceiling := safeLimit(limit); existing.Used > ceiling {
		existing.Used = ceiling
	}
	s.write(ctx, key, existing)
	return key, existing
}

func toState(rec Record, limit int) State {
	limit = safeLimit(limit)
	used := rec.Used
	if used > limit {
		used = limit
	}
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return State{Day: rec.Day, Used: used, Limit: limit, Remaining: remaining, Locked: remaining <= 0}
}

// State 返回当前配额状态。
func (s *Store) State(ctx context.Context, limit int, scope string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, rec := s.normalize(ctx, limit, scope)
	return toState(rec, limit)
}

// Consume uses one cycle when any remain. It returns the resulting state and
// whether a cycle was actually consumed.
func (s *Store) Consume(ctx context.Context, limit int, scope string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, rec := s.normalize(ctx, limit, scope)
	if rec.Used >= safeLimit(limit) {
		return toState(rec, limit), false
	}
	rec.Used++
	s.write(ctx, key, rec)
	return toState(rec, limit), true
}

// Package session 按 scope 持久化编排器的工作状态，使会话可以跨重启恢复。
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"ForgeOS-Agent/internal/decision"
	"ForgeOS-Agent/internal/execution"
	"ForgeOS-Agent/internal/journal"
	"ForgeOS-Agent/internal/profile"
	"ForgeOS-Agent/internal/storage"
	"ForgeOS-Agent/pkg/logger"
)

const (
	keyPrefix      = "forgeos.dashboard.v1"
	maxScopeLength = 180
	defaultScope   = "default"

	// Version is the only schema version written today.
	Version = 1

	MaxQueue     = 160
	MaxLog       = 320
	MaxDecisions = 120
)

var scopeDisallowed = regexp.MustCompile(`[^a-z0-9:_-]`)

// Status 是编排器的运行状态。
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusPaused    Status = "PAUSED"
	StatusSuspended Status = "SUSPENDED"
)

// ParseStatus falls back to RUNNING for unknown values.
func ParseStatus(raw string) Status {
	switch Status(strings.ToUpper(strings.TrimSpace(raw))) {
	case StatusPaused:
		return StatusPaused
	case StatusSuspended:
		return StatusSuspended
	default:
		return StatusRunning
	}
}

// State is the persisted orchestrator state for one scope.
type State struct {
	Version            int               `json:"version"`
	UpdatedAt          int64             `json:"updatedAt"`
	Status             Status            `json:"status"`
	ExecMode           profile.ExecMode  `json:"execMode"`
	LiveExecutionArmed bool              `json:"liveExecutionArmed"`
	Queue              []execution.Item  `json:"queue"`
	Log                []journal.Entry   `json:"log"`
	Decisions          []decision.Record `json:"decisions"`
	NextAutoCycleAt    int64             `json:"nextAutoCycleAt,omitempty"`
}

// Sanitize stamps the version and update time, coerces enums and truncates
// the lists.
func Sanitize(st State, now time.Time) State {
	st.Version = Version
	st.UpdatedAt = now.UnixMilli()
	st.Status = ParseStatus(string(st.Status))
	if mode, ok := profile.ParseExecMode(string(st.ExecMode)); ok {
		st.ExecMode = mode
	} else {
		st.ExecMode = profile.ExecManual
	}
	if len(st.Queue) > MaxQueue {
		st.Queue = st.Queue[:MaxQueue]
	}
	if len(st.Log) > MaxLog {
		st.Log = st.Log[:MaxLog]
	}
	if len(st.Decisions) > MaxDecisions {
		st.Decisions = st.Decisions[:MaxDecisions]
	}
	if st.Queue == nil {
		st.Queue = []execution.Item{}
	}
	if st.Log == nil {
		st.Log = []journal.Entry{}
	}
	if st.Decisions == nil {
		st.Decisions = []decision.Record{}
	}
	if st.NextAutoCycleAt < 0 {
		st.NextAutoCycleAt = 0
	}
	return st
}

// NormalizeScope lowercases scope and replaces unsupported characters.
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

// Scope builds the per-agent scope used by the runtime.
func Scope(network, wallet, agentKey string) string {
	return strings.Join([]string{network, wallet, agentKey}, ":")
}

// Store 基于 KV 存储读写会话；所有存储错误只记录调试日志。
type Store struct {
	kv     storage.KV
	logger *slog.Logger
	now    func() time.Time
}

// NewStore 创建会话存储。
func NewStore(kv storage.KV) *Store {
	return &Store{kv: kv, logger: logger.Named("session"), now: time.Now}
}

// Read returns the sanitized state for scope, or false when none is stored
// or the stored value cannot be decoded.
func (s *Store) Read(ctx context.Context, scope string) (State, bool) {
	key := Key(scope)
	raw, err := s.kv.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Debug("session read failed", slog.String("key", key), slog.String("error", err.Error()))
		}
		return State{}, false
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		s.logger.Debug("session decode failed", slog.String("key", key), slog.String("error", err.Error()))
		return State{}, false
	}
	return Sanitize(st, s.now()), true
}

// Write 保存清洗后的状态。
func (s *Store) Write(ctx context.Context, scope string, st State) {
	key := Key(scope)
	raw, err := json.Marshal(Sanitize(st, s.now()))
	if err != nil {
		s.logger.Debug("session encode failed", slog.String("key", key), slog.String("error", err.Error()))
		return
	}
	if err := s.kv.Put(ctx, key, raw); err != nil {
		s.logger.Debug("session write failed", slog.String("key", key), slog.String("error", err.Error()))
	}
}

// Clear removes the stored state for scope.
func (s *Store) Clear(ctx context.Context, scope string) {
	key := Key(scope)
	if err := s.kv.Delete(ctx, key); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Debug("session clear failed", slog.String("key", key), slog.String("error", err.Error()))
	}
}

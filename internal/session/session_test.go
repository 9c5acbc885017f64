package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"ForgeOS-Agent/internal/execution"
	"ForgeOS-Agent/internal/journal"
	"ForgeOS-Agent/internal/profile"
	"ForgeOS-Agent/internal/storage"
)

func TestNormalizeScope(t *testing.T) {
	if got := NormalizeScope(""); got != "default" {
		t.Fatalf("empty scope = %q", got)
	}
	if got := NormalizeScope("Testnet-10:kaspatest:QQ1/Agent"); got != "testnet-10:kaspatest:qq1_agent" {
		t.Fatalf("unexpected scope %q", got)
	}
	if got := NormalizeScope(strings.Repeat("a", 400)); len(got) != 180 {
		t.Fatalf("scope not truncated: %d", len(got))
	}
}

func TestSanitizeCoercesAndTruncates(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	st := Sanitize(State{
		Status:          "bogus",
		ExecMode:        "yolo",
		Queue:           make([]execution.Item, 200),
		Log:             make([]journal.Entry, 400),
		NextAutoCycleAt: -5,
	}, now)

	if st.Version != Version || st.UpdatedAt != now.UnixMilli() {
		t.Fatalf("version/updatedAt not stamped: %+v", st)
	}
	if st.Status != StatusRunning || st.ExecMode != profile.ExecManual {
		t.Fatalf("enums not coerced: %s %s", st.Status, st.ExecMode)
	}
	if len(st.Queue) != MaxQueue || len(st.Log) != MaxLog || st.Decisions == nil {
		t.Fatalf("lists not bounded: %d %d", len(st.Queue), len(st.Log))
	}
	if st.NextAutoCycleAt != 0 {
		t.Fatalf("negative next cycle must be dropped")
	}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	store := NewStore(kv)
	scope := Scope("testnet-10", "kaspatest:qq1", "agent-1")

	if _, ok := store.Read(ctx, scope); ok {
		t.Fatalf("expected no state for fresh scope")
	}

	store.Write(ctx, scope, State{
		Status:             StatusPaused,
		ExecMode:           profile.ExecAutonomous,
		LiveExecutionArmed: true,
		Queue:              []execution.Item{{ID: "q1", Status: execution.StatusPending}},
		Log:                []journal.Entry{{Timestamp: 1, Type: journal.CategorySystem, Message: "hi"}},
		NextAutoCycleAt:    42,
	})

	st, ok := store.Read(ctx, scope)
	if !ok {
		t.Fatalf("expected stored state")
	}
	if st.Status != StatusPaused || !st.LiveExecutionArmed || st.NextAutoCycleAt != 42 {
		t.Fatalf("unexpected state %+v", st)
	}
	if len(st.Queue) != 1 || st.Queue[0].ID != "q1" {
		t.Fatalf("queue not restored: %+v", st.Queue)
	}

	store.Clear(ctx, scope)
	if _, ok := store.Read(ctx, scope); ok {
		t.Fatalf("state should be cleared")
	}
}

func TestStoreIgnoresCorruptState(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	_ = kv.Put(ctx, Key("x"), []byte("not json"))
	if _, ok := NewStore(kv).Read(ctx, "x"); ok {
		t.Fatalf("corrupt state must read as absent")
	}
}

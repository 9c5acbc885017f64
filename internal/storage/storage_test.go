package storage

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if _, err := m.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	value := []byte(`{"used":1}`)
	if err := m.Put(ctx, "forgeos.usage.v2:global", value); err != nil {
		t.Fatalf("put: %v", err)
	}
	value[0] = 'x'
	got, err := m.Get(ctx, "forgeos.usage.v2:global")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != `{"used":1}` {
		t.Fatalf("stored value aliased caller buffer: %s", got)
	}

	if err := m.Delete(ctx, "forgeos.usage.v2:global"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := m.Get(ctx, "forgeos.usage.v2:global"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	_ = m.Close()
	if err := m.Put(ctx, "k", nil); err == nil {
		t.Fatal("expected error after close")
	}
}

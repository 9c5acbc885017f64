package file

import (
	"context"
	"errors"
	"os"
	"testing"

	"ForgeOS-Agent/internal/storage"
)

func TestStorePersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := New(dir)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	key := "forgeos.dashboard.v1:testnet-10:kaspatest:qq:forge"
	if err := s.Put(ctx, key, []byte(`{"version":1}`)); err != nil {
		t.Fatalf("put: %v", err)
	}

	reopened, _ := New(dir)
	got, err := reopened.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != `{"version":1}` {
		t.Fatalf("unexpected value %s", got)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("temp file left behind: %v", entries)
	}

	if err := reopened.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := reopened.Get(ctx, key); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := reopened.Delete(ctx, key); err != nil {
		t.Fatalf("deleting a missing key should succeed: %v", err)
	}
}

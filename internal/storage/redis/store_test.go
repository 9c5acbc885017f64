package redis

import (
	"context"
	"errors"
	"os"
	"testing"

	"ForgeOS-Agent/internal/storage"
)

func TestOpenRequiresAddress(t *testing.T) {
	if _, err := Open(context.Background(), Config{}); err == nil {
		t.Fatal("expected error when address is missing")
	}
}

func TestStoreAgainstRedis(t *testing.T) {
	addr := os.Getenv("FORGEOS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("FORGEOS_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, Config{Address: addr, KeyPrefix: "forgeos-test:"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if err := s.Put(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.Get(ctx, "k")
	if err != nil || string(got) != "v" {
		t.Fatalf("got %q err=%v", got, err)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "k"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

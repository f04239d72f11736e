package store

import (
	"context"
	"path/filepath"
	"testing"
)

func TestJSONFileStoreStoreLoadDelete(t *testing.T) {
	dir := t.TempDir()
	s := NewJSONFileStore(filepath.Join(dir, "nested", "state.json"))
	ctx := context.Background()

	if _, ok, err := s.Load(ctx, "current_session"); err != nil || ok {
		t.Fatalf("expected absent key, got ok=%v err=%v", ok, err)
	}

	if err := s.Store(ctx, "current_session", "abc-123"); err != nil {
		t.Fatalf("Store: %v", err)
	}

	v, ok, err := s.Load(ctx, "current_session")
	if err != nil || !ok || v != "abc-123" {
		t.Fatalf("Load = %q, %v, %v, want abc-123, true, nil", v, ok, err)
	}

	if err := s.Delete(ctx, "current_session"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := s.Load(ctx, "current_session"); ok {
		t.Fatal("expected key to be gone after Delete")
	}
}

func TestJSONFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")

	first := NewJSONFileStore(path)
	if err := first.Store(ctx, "k", "v"); err != nil {
		t.Fatalf("Store: %v", err)
	}

	second := NewJSONFileStore(path)
	v, ok, err := second.Load(ctx, "k")
	if err != nil || !ok || v != "v" {
		t.Fatalf("Load after reopen = %q, %v, %v, want v, true, nil", v, ok, err)
	}
}

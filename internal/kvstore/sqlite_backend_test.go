//go:build !js

package kvstore

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestSQLiteBackendBacksChunkedStore(t *testing.T) {
	backend, err := OpenSQLiteBackend(filepath.Join(t.TempDir(), "records.db"))
	if err != nil {
		t.Fatalf("open sqlite failed: %v", err)
	}
	defer backend.Close()
	ctx := context.Background()
	store := NewStore(backend, Options{Threshold: 16})

	want := map[string]any{"notes": strings.Repeat("n", 100), "photo": Blob("jpeg"), "title": "t"}
	if err := store.Set(ctx, "DRAFT_abc", want); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := store.Set(ctx, "DRAFTX", "unrelated"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	got, err := store.Get(ctx, "DRAFT_abc")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round trip mismatch: %#v", got)
	}

	keys, err := store.ListKeys(ctx, "DRAFT_")
	if err != nil {
		t.Fatalf("list keys failed: %v", err)
	}
	if !reflect.DeepEqual(keys, []string{"DRAFT_abc", "DRAFT_abc_1_notes", "DRAFT_abc_1_photo"}) {
		t.Fatalf("unexpected keys %v", keys)
	}

	if err := store.Remove(ctx, "DRAFT_abc"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if _, err := backend.Get(ctx, "DRAFT_abc_1_notes"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected chunk to be removed, got %v", err)
	}
	if _, err := backend.Get(ctx, "DRAFTX"); err != nil {
		t.Fatalf("expected unrelated key to survive: %v", err)
	}
}

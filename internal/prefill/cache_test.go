package prefill

import (
	"context"
	"errors"
	"testing"

	"github.com/oneblink/formsync/internal/apperr"
	"github.com/oneblink/formsync/internal/kvstore"
)

type fakeDownloader struct {
	calls int
	data  map[string]any
	err   error
}

func (f *fakeDownloader) DownloadPrefill(ctx context.Context, formID int64, prefillID string) (map[string]any, error) {
	f.calls++
	return f.data, f.err
}

func TestCacheDownloadsOnceThenServesLocally(t *testing.T) {
	store := kvstore.NewStore(kvstore.NewMemoryBackend(), kvstore.Options{})
	downloader := &fakeDownloader{data: map[string]any{"name": "Ada"}}
	cache := NewCache(store, downloader, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		data, err := cache.Get(ctx, 4, "p1")
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if data["name"] != "Ada" {
			t.Fatalf("unexpected prefill data %+v", data)
		}
	}
	if downloader.calls != 1 {
		t.Fatalf("expected a single download, got %d", downloader.calls)
	}

	if err := cache.Remove(ctx, 4, "p1"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if keys, _ := store.ListKeys(ctx, Key(4, "p1")); len(keys) != 0 {
		t.Fatalf("expected cache entry to be removed, got %v", keys)
	}
	if _, err := cache.Get(ctx, 4, "p1"); err != nil {
		t.Fatalf("get after remove failed: %v", err)
	}
	if downloader.calls != 2 {
		t.Fatalf("expected a fresh download after remove, got %d", downloader.calls)
	}
}

func TestCacheClassifiesDownloadErrors(t *testing.T) {
	store := kvstore.NewStore(kvstore.NewMemoryBackend(), kvstore.Options{})
	cache := NewCache(store, &fakeDownloader{err: apperr.ErrOffline}, nil)

	_, err := cache.Get(context.Background(), 4, "p1")
	if !errors.Is(err, apperr.ErrOffline) {
		t.Fatalf("expected offline error, got %v", err)
	}
	if data, err := cache.Get(context.Background(), 4, " "); data != nil || err != nil {
		t.Fatalf("blank prefill id must be a no-op, got %v %v", data, err)
	}
}

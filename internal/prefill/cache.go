// Package prefill caches the data used to pre-populate a form so it stays
// available offline until the submission that used it succeeds.
package prefill

import (
	"context"
	"fmt"
	"strings"

	"github.com/oneblink/formsync/internal/apperr"
	"github.com/oneblink/formsync/internal/kvstore"
	"github.com/oneblink/formsync/internal/logging"
)

type Downloader interface {
	DownloadPrefill(ctx context.Context, formID int64, prefillID string) (map[string]any, error)
}

type Cache struct {
	store      *kvstore.Store
	downloader Downloader
	logger     logging.Logger
}

func NewCache(store *kvstore.Store, downloader Downloader, logger logging.Logger) *Cache {
	return &Cache{store: store, downloader: downloader, logger: logging.OrDefault(logger)}
}

func Key(formID int64, prefillID string) string {
	return fmt.Sprintf("PREFILL_%d_%s", formID, prefillID)
}

// Get serves cached data, downloading and caching it on the first request.
func (c *Cache) Get(ctx context.Context, formID int64, prefillID string) (map[string]any, error) {
	prefillID = strings.TrimSpace(prefillID)
	if prefillID == "" {
		return nil, nil
	}
	key := Key(formID, prefillID)
	var cached map[string]any
	found, err := c.store.GetJSON(ctx, key, &cached)
	if err != nil {
		return nil, apperr.Classify(err)
	}
	if found {
		return cached, nil
	}
	if c.downloader == nil {
		return nil, nil
	}
	data, err := c.downloader.DownloadPrefill(ctx, formID, prefillID)
	if err != nil {
		return nil, apperr.Classify(err)
	}
	if err := c.store.Set(ctx, key, data); err != nil {
		c.logger.Printf("prefill: could not cache %s: %v", key, err)
	}
	return data, nil
}

// Remove drops the cached data for one prefill id.
func (c *Cache) Remove(ctx context.Context, formID int64, prefillID string) error {
	if strings.TrimSpace(prefillID) == "" {
		return nil
	}
	return apperr.Classify(c.store.Delete(ctx, Key(formID, prefillID)))
}

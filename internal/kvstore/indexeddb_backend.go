//go:build js && wasm

package kvstore

import (
	"context"
	"encoding/base64"
	"sort"
	"strings"
	"syscall/js"
	"time"

	"github.com/hack-pad/go-indexeddb/idb"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

const (
	indexedDBVersion     = 1
	indexedDBStoreName   = "records"
	indexedDBKeyPath     = "key"
	indexedDBValueField  = "value"
	indexedDBOpTimeout   = time.Second
	indexedDBOpenTimeout = 10 * time.Second
)

func init() {
	RegisterBackendFactory("indexeddb", func(dsn string) (Backend, error) {
		name, err := dsnPathFromString(dsn)
		if err != nil {
			return nil, err
		}
		return OpenIndexedDBBackend(strings.Trim(name, "/"))
	})
}

// IndexedDBBackend persists records in the browser's IndexedDB, one object
// per key with the payload base64 encoded.
type IndexedDBBackend struct {
	db *idb.Database
}

func OpenIndexedDBBackend(databaseName string) (*IndexedDBBackend, error) {
	if databaseName == "" {
		return nil, ErrInvalidInput
	}
	ctx, cancel := context.WithTimeout(context.Background(), indexedDBOpenTimeout)
	defer cancel()
	openRequest, err := idb.Global().Open(ctx, databaseName, indexedDBVersion,
		func(db *idb.Database, oldVersion, newVersion uint) error {
			if oldVersion == newVersion {
				return nil
			}
			jww.INFO.Printf("IndexedDb upgrade required: v%d -> v%d", oldVersion, newVersion)
			if oldVersion == 0 && newVersion >= 1 {
				_, err := db.CreateObjectStore(indexedDBStoreName, idb.ObjectStoreOptions{
					KeyPath: js.ValueOf(indexedDBKeyPath),
				})
				return err
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	db, err := openRequest.Await(ctx)
	if err != nil {
		return nil, err
	}
	return &IndexedDBBackend{db: db}, nil
}

func (b *IndexedDBBackend) Get(ctx context.Context, key string) ([]byte, error) {
	parentErr := errors.Errorf("failed to Get %s", key)
	store, err := b.objectStore(idb.TransactionReadOnly)
	if err != nil {
		return nil, errors.WithMessagef(parentErr, "%+v", err)
	}
	request, err := store.Get(js.ValueOf(key))
	if err != nil {
		return nil, errors.WithMessagef(parentErr, "Unable to Get from ObjectStore: %+v", err)
	}
	result, err := awaitRequest(ctx, request)
	if err != nil {
		return nil, errors.WithMessagef(parentErr, "Unable to get from ObjectStore: %+v", err)
	}
	if result.IsUndefined() || result.IsNull() {
		return nil, ErrNotFound
	}
	return base64.StdEncoding.DecodeString(result.Get(indexedDBValueField).String())
}

func (b *IndexedDBBackend) Put(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return ErrInvalidInput
	}
	store, err := b.objectStore(idb.TransactionReadWrite)
	if err != nil {
		return errors.Errorf("Unable to get ObjectStore: %+v", err)
	}
	record := js.ValueOf(map[string]any{
		indexedDBKeyPath:    key,
		indexedDBValueField: base64.StdEncoding.EncodeToString(value),
	})
	request, err := store.Put(record)
	if err != nil {
		return errors.Errorf("Unable to Put: %+v", err)
	}
	if _, err := awaitRequest(ctx, request); err != nil {
		return errors.Errorf("Putting value %s failed: %+v", key, err)
	}
	jww.DEBUG.Printf("Successfully put record %s (%d bytes)", key, len(value))
	return nil
}

func (b *IndexedDBBackend) Delete(ctx context.Context, key string) error {
	parentErr := errors.Errorf("failed to Delete %s", key)
	store, err := b.objectStore(idb.TransactionReadWrite)
	if err != nil {
		return errors.WithMessagef(parentErr, "%+v", err)
	}
	deleteRequest, err := store.Delete(js.ValueOf(key))
	if err != nil {
		return errors.WithMessagef(parentErr, "Unable to Delete from ObjectStore: %+v", err)
	}
	if _, err := awaitRequest(ctx, deleteRequest.Request); err != nil {
		return errors.WithMessagef(parentErr, "Unable to Delete from ObjectStore: %+v", err)
	}
	return nil
}

func (b *IndexedDBBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	parentErr := errors.Errorf("failed to list keys with prefix %q", prefix)
	store, err := b.objectStore(idb.TransactionReadOnly)
	if err != nil {
		return nil, errors.WithMessagef(parentErr, "%+v", err)
	}
	cursorRequest, err := store.OpenCursor(idb.CursorNext)
	if err != nil {
		return nil, errors.WithMessagef(parentErr, "Unable to open Cursor: %+v", err)
	}
	opCtx, cancel := context.WithTimeout(ctx, indexedDBOpTimeout)
	defer cancel()
	keys := []string{}
	err = cursorRequest.Iter(opCtx, func(cursor *idb.CursorWithValue) error {
		row, err := cursor.Value()
		if err != nil {
			return err
		}
		key := row.Get(indexedDBKeyPath).String()
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithMessagef(parentErr, "%+v", err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *IndexedDBBackend) Close() error {
	return b.db.Close()
}

func (b *IndexedDBBackend) objectStore(mode idb.TransactionMode) (*idb.ObjectStore, error) {
	txn, err := b.db.Transaction(mode, indexedDBStoreName)
	if err != nil {
		return nil, errors.Errorf("Unable to create Transaction: %+v", err)
	}
	return txn.ObjectStore(indexedDBStoreName)
}

func awaitRequest(ctx context.Context, request *idb.Request) (js.Value, error) {
	ctx, cancel := context.WithTimeout(ctx, indexedDBOpTimeout)
	defer cancel()
	result, err := request.Await(ctx)
	if err != nil {
		return js.Undefined(), err
	}
	if ctx.Err() != nil {
		return js.Undefined(), ctx.Err()
	}
	return result, nil
}

package kvstore

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

const (
	fileRecordSuffix = ".rec"
	fileKeySuffix    = ".key"
	// Encoded names longer than this are replaced by a hash with the key kept
	// in a sidecar file, staying under common NAME_MAX limits.
	maxEncodedNameLen = 180
)

// FileBackend keeps one file per key under a directory. Writes go through a
// temp file and rename so readers never observe a torn record.
type FileBackend struct {
	dir          string
	minFreeBytes uint64

	mu sync.Mutex
}

type FileBackendOptions struct {
	// MinFreeBytes refuses writes once the filesystem has less free space than
	// this, so the store fails with ErrStorageExhausted before the disk fills.
	MinFreeBytes uint64
}

func NewFileBackend(dir string, opts FileBackendOptions) (*FileBackend, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileBackend{dir: dir, minFreeBytes: opts.MinFreeBytes}, nil
}

func (b *FileBackend) Dir() string { return b.dir }

func (b *FileBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(b.pathFor(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

func (b *FileBackend) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.minFreeBytes > 0 && diskSpaceSupported {
		free, err := freeDiskBytes(b.dir)
		if err == nil && free < b.minFreeBytes+uint64(len(value)) {
			return fmt.Errorf("%w: %d bytes free in %s", ErrStorageExhausted, free, b.dir)
		}
	}
	path := b.pathFor(key)
	if sidecar, hashed := sidecarPath(path); hashed {
		if err := writeFileAtomic(sidecar, []byte(key), 0o600); err != nil {
			return err
		}
	}
	return writeFileAtomic(path, value, 0o600)
}

func (b *FileBackend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	path := b.pathFor(key)
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if sidecar, hashed := sidecarPath(path); hashed {
		_ = os.Remove(sidecar)
	}
	return nil
}

func (b *FileBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		key, ok := b.keyFromFileName(entry.Name())
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *FileBackend) Close() error { return nil }

// Watch calls onChange with the key of every record another writer creates,
// replaces or removes until ctx is done.
func (b *FileBackend) Watch(ctx context.Context, onChange func(key string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(b.dir); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			key, ok := b.keyFromFileName(filepath.Base(event.Name))
			if !ok {
				continue
			}
			onChange(key)
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return watchErr
		}
	}
}

func (b *FileBackend) pathFor(key string) string {
	name := base64.RawURLEncoding.EncodeToString([]byte(key))
	if len(name) > maxEncodedNameLen {
		sum := sha256.Sum256([]byte(key))
		name = "~" + hex.EncodeToString(sum[:])
	}
	return filepath.Join(b.dir, name+fileRecordSuffix)
}

func sidecarPath(recordPath string) (string, bool) {
	if !strings.HasPrefix(filepath.Base(recordPath), "~") {
		return "", false
	}
	return strings.TrimSuffix(recordPath, fileRecordSuffix) + fileKeySuffix, true
}

func (b *FileBackend) keyFromFileName(name string) (string, bool) {
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileRecordSuffix) {
		return "", false
	}
	if sidecar, hashed := sidecarPath(filepath.Join(b.dir, name)); hashed {
		key, err := os.ReadFile(sidecar)
		if err != nil {
			return "", false
		}
		return string(key), true
	}
	decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(name, fileRecordSuffix))
	if err != nil {
		return "", false
	}
	return string(decoded), true
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}

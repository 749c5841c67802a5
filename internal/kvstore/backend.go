package kvstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Backend is a flat key/value engine. Values are opaque bytes; Get returns
// ErrNotFound for absent keys.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

type Logger interface {
	Printf(format string, args ...any)
}

type MemoryBackend struct {
	mu         sync.Mutex
	records    map[string][]byte
	quotaBytes int
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: map[string][]byte{}}
}

// NewMemoryBackendWithQuota refuses writes that would grow the stored payload
// beyond quotaBytes, mimicking a browser storage quota.
func NewMemoryBackendWithQuota(quotaBytes int) *MemoryBackend {
	b := NewMemoryBackend()
	b.quotaBytes = quotaBytes
	return b
}

func (b *MemoryBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	value, ok := b.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (b *MemoryBackend) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.quotaBytes > 0 {
		used := 0
		for k, v := range b.records {
			if k != key {
				used += len(k) + len(v)
			}
		}
		if used+len(key)+len(value) > b.quotaBytes {
			return fmt.Errorf("QuotaExceededError: writing %s exceeds %d bytes", key, b.quotaBytes)
		}
	}
	b.records[key] = append([]byte(nil), value...)
	return nil
}

func (b *MemoryBackend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.records, key)
	return nil
}

func (b *MemoryBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.records))
	for key := range b.records {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *MemoryBackend) Close() error { return nil }

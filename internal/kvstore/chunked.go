package kvstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/aquilax/truncate"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// DefaultChunkThreshold is the largest string, in bytes, kept inline in a
// parent record.
const DefaultChunkThreshold = 16 * 1024

// Blob marks binary data. Blobs are always stored as their own record.
type Blob []byte

const (
	recordKindJSON = "json"
	recordKindBlob = "blob"
)

type record struct {
	Kind  string          `json:"kind"`
	Value json.RawMessage `json:"value,omitempty"`
	Blob  []byte          `json:"blob,omitempty"`
	Refs  []chunkRef      `json:"refs,omitempty"`
	// Gen scopes the child keys written with this root.
	Gen int64 `json:"gen,omitempty"`
}

// chunkRef ties a property path inside the root value to the child record
// holding it.
type chunkRef struct {
	Path []string `json:"path"`
	Key  string   `json:"key"`
}

type pendingChunk struct {
	ref   chunkRef
	value any
}

type Options struct {
	Threshold int
	Logger    Logger
}

// Store layers value trees over a Backend, moving oversized strings and
// every Blob into child records addressed "<key>_<gen>_<path>". A write puts
// its children under a fresh generation and the root last, so a failed write
// leaves the previous value readable.
type Store struct {
	backend   Backend
	threshold int
	logger    Logger
}

func NewStore(backend Backend, opts Options) *Store {
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = DefaultChunkThreshold
	}
	return &Store{backend: backend, threshold: threshold, logger: opts.Logger}
}

func (s *Store) Backend() Backend { return s.backend }

// Set persists value under key. value may be a tree of map[string]any, []any,
// strings, numbers, bools, nil and Blob; any other value is first converted
// through its JSON encoding.
func (s *Store) Set(ctx context.Context, key string, value any) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	tree, err := normalizeTree(value)
	if err != nil {
		return errors.WithMessagef(err, "failed to encode %s", key)
	}

	previous, _ := s.getRecord(ctx, key)
	var chunks []pendingChunk
	root := record{Kind: recordKindJSON, Gen: previous.Gen + 1}
	switch typed := tree.(type) {
	case Blob:
		root.Kind = recordKindBlob
		root.Blob = typed
	default:
		tree = s.split(generationKey(key, root.Gen), tree, nil, &chunks)
		root.Value, err = json.Marshal(tree)
		if err != nil {
			return errors.WithMessagef(err, "failed to encode %s", key)
		}
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].ref.Key < chunks[j].ref.Key })

	for _, chunk := range chunks {
		if err := s.putRecord(ctx, chunk.ref.Key, chunkRecord(chunk.value)); err != nil {
			s.discard(ctx, root.Refs)
			return err
		}
		root.Refs = append(root.Refs, chunk.ref)
	}
	if err := s.putRecord(ctx, key, root); err != nil {
		s.discard(ctx, root.Refs)
		return err
	}

	current := make(map[string]struct{}, len(root.Refs))
	for _, ref := range root.Refs {
		current[ref.Key] = struct{}{}
	}
	for _, stale := range previous.Refs {
		if _, ok := current[stale.Key]; ok {
			continue
		}
		if err := s.backend.Delete(ctx, stale.Key); err != nil {
			s.logf("kvstore: failed to delete stale chunk %s: %v", stale.Key, err)
		}
	}
	return nil
}

// discard removes chunks of a write that never got its root.
func (s *Store) discard(ctx context.Context, refs []chunkRef) {
	ctx = context.WithoutCancel(ctx)
	for _, ref := range refs {
		if err := s.backend.Delete(ctx, ref.Key); err != nil {
			s.logf("kvstore: failed to discard chunk %s: %v", ref.Key, err)
		}
	}
}

// Get returns the value stored under key, or nil when it is absent. A record
// with a missing chunk is reported as absent. Numbers come back as
// json.Number whatever type they were written as; use GetJSON to decode into
// typed fields.
func (s *Store) Get(ctx context.Context, key string) (any, error) {
	value, err := s.Load(ctx, key)
	switch {
	case err == nil:
		return value, nil
	case errors.Is(err, ErrNotFound):
		return nil, nil
	case errors.Is(err, ErrCorruptRecord):
		s.logf("kvstore: treating %s as missing: %v", key, err)
		return nil, nil
	default:
		return nil, err
	}
}

// Load is Get with corruption surfaced as a *MissingChunkError.
func (s *Store) Load(ctx context.Context, key string) (any, error) {
	root, err := s.getRecord(ctx, key)
	if err != nil {
		return nil, err
	}
	if root.Kind == recordKindBlob {
		return Blob(append([]byte{}, root.Blob...)), nil
	}
	tree, err := decodeValue(root.Value)
	if err != nil {
		return nil, &MissingChunkError{Key: key, ChunkKey: key}
	}
	for _, ref := range root.Refs {
		child, err := s.getRecord(ctx, ref.Key)
		if errors.Is(err, ErrNotFound) {
			return nil, &MissingChunkError{Key: key, ChunkKey: ref.Key}
		}
		if err != nil {
			return nil, err
		}
		var value any
		if child.Kind == recordKindBlob {
			value = Blob(append([]byte{}, child.Blob...))
		} else if value, err = decodeValue(child.Value); err != nil {
			return nil, &MissingChunkError{Key: key, ChunkKey: ref.Key}
		}
		if !assignPath(tree, ref.Path, value) {
			return nil, &MissingChunkError{Key: key, ChunkKey: ref.Key}
		}
	}
	if tree == nil {
		return nil, ErrNotFound
	}
	return tree, nil
}

// GetJSON decodes the value under key into dst. It reports false when
// nothing usable is stored.
func (s *Store) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	value, err := s.Get(ctx, key)
	if err != nil || value == nil {
		return false, err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, errors.WithMessagef(err, "failed to decode %s", key)
	}
	return true, nil
}

// Remove deletes every record whose key starts with keyPrefix.
func (s *Store) Remove(ctx context.Context, keyPrefix string) error {
	keys, err := s.backend.Keys(ctx, keyPrefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.backend.Delete(ctx, key); err != nil {
			return errors.WithMessagef(err, "failed to remove %s", key)
		}
	}
	return nil
}

// Delete removes the record under key together with the chunks it
// references. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	for _, ref := range s.previousRefs(ctx, key) {
		if err := s.backend.Delete(ctx, ref); err != nil {
			return errors.WithMessagef(err, "failed to remove %s", ref)
		}
	}
	if err := s.backend.Delete(ctx, key); err != nil {
		return errors.WithMessagef(err, "failed to remove %s", key)
	}
	return nil
}

// ListKeys lists raw record keys with the prefix, chunk records included.
func (s *Store) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	return s.backend.Keys(ctx, prefix)
}

func (s *Store) split(key string, node any, path []string, chunks *[]pendingChunk) any {
	switch typed := node.(type) {
	case map[string]any:
		for name, child := range typed {
			childPath := appendPath(path, name)
			if s.oversized(child) {
				*chunks = append(*chunks, pendingChunk{
					ref:   chunkRef{Path: childPath, Key: chunkKey(key, childPath)},
					value: child,
				})
				typed[name] = nil
				continue
			}
			typed[name] = s.split(key, child, childPath, chunks)
		}
		return typed
	case []any:
		for i, child := range typed {
			childPath := appendPath(path, strconv.Itoa(i))
			if s.oversized(child) {
				*chunks = append(*chunks, pendingChunk{
					ref:   chunkRef{Path: childPath, Key: chunkKey(key, childPath)},
					value: child,
				})
				typed[i] = nil
				continue
			}
			typed[i] = s.split(key, child, childPath, chunks)
		}
		return typed
	default:
		return node
	}
}

func (s *Store) oversized(value any) bool {
	switch typed := value.(type) {
	case Blob:
		return true
	case string:
		return len(typed) > s.threshold
	default:
		return false
	}
}

func (s *Store) previousRefs(ctx context.Context, key string) []string {
	previous, err := s.getRecord(ctx, key)
	if err != nil {
		return nil
	}
	keys := make([]string, 0, len(previous.Refs))
	for _, ref := range previous.Refs {
		keys = append(keys, ref.Key)
	}
	return keys
}

func (s *Store) getRecord(ctx context.Context, key string) (record, error) {
	data, err := s.backend.Get(ctx, key)
	if err != nil {
		return record{}, err
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return record{}, &MissingChunkError{Key: key, ChunkKey: key}
	}
	return rec, nil
}

func (s *Store) putRecord(ctx context.Context, key string, rec record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.backend.Put(ctx, key, data); err != nil {
		return errors.WithMessagef(classifyWriteError(err), "failed to write %s", key)
	}
	jww.DEBUG.Printf("kvstore: wrote %s: %s", key, truncate.Truncate(string(data), 64, "...", truncate.PositionMiddle))
	return nil
}

func (s *Store) logf(format string, args ...any) {
	if s.logger == nil {
		jww.WARN.Printf(format, args...)
		return
	}
	s.logger.Printf(format, args...)
}

func chunkRecord(value any) record {
	if blob, ok := value.(Blob); ok {
		return record{Kind: recordKindBlob, Blob: blob}
	}
	data, _ := json.Marshal(value)
	return record{Kind: recordKindJSON, Value: data}
}

var segmentEscaper = strings.NewReplacer("%", "%25", "_", "%5F")

func generationKey(key string, gen int64) string {
	return key + "_" + strconv.FormatInt(gen, 10)
}

func chunkKey(key string, path []string) string {
	var b strings.Builder
	b.WriteString(key)
	for _, segment := range path {
		b.WriteByte('_')
		b.WriteString(segmentEscaper.Replace(segment))
	}
	return b.String()
}

func appendPath(path []string, segment string) []string {
	next := make([]string, len(path), len(path)+1)
	copy(next, path)
	return append(next, segment)
}

func assignPath(tree any, path []string, value any) bool {
	if len(path) == 0 {
		return false
	}
	node := tree
	for i, segment := range path {
		last := i == len(path)-1
		switch typed := node.(type) {
		case map[string]any:
			if last {
				typed[segment] = value
				return true
			}
			node = typed[segment]
		case []any:
			index, err := strconv.Atoi(segment)
			if err != nil || index < 0 || index >= len(typed) {
				return false
			}
			if last {
				typed[index] = value
				return true
			}
			node = typed[index]
		default:
			return false
		}
	}
	return false
}

func decodeValue(data json.RawMessage) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}
	return value, nil
}

// normalizeTree deep-copies value into the generic tree form so splitting
// never mutates the caller's data.
func normalizeTree(value any) (any, error) {
	switch typed := value.(type) {
	case nil:
		return nil, nil
	case Blob:
		return Blob(append([]byte(nil), typed...)), nil
	case string, bool, json.Number:
		return typed, nil
	case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return json.Number(fmt.Sprint(typed)), nil
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, child := range typed {
			normalized, err := normalizeTree(child)
			if err != nil {
				return nil, err
			}
			out[key] = normalized
		}
		return out, nil
	case []any:
		out := make([]any, len(typed))
		for i, child := range typed {
			normalized, err := normalizeTree(child)
			if err != nil {
				return nil, err
			}
			out[i] = normalized
		}
		return out, nil
	default:
		data, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		return decodeValue(data)
	}
}

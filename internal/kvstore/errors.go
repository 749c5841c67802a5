package kvstore

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound         = errors.New("record not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotImplemented   = errors.New("not implemented")
	ErrStorageExhausted = errors.New("storage exhausted")
	ErrCorruptRecord    = errors.New("corrupt record")
)

// MissingChunkError reports a root record whose reference points at a child
// record that no longer exists.
type MissingChunkError struct {
	Key      string
	ChunkKey string
}

func (e *MissingChunkError) Error() string {
	return fmt.Sprintf("record %s references missing chunk %s", e.Key, e.ChunkKey)
}

func (e *MissingChunkError) Is(target error) bool {
	return target == ErrCorruptRecord
}

var quotaPatterns = []string{
	"quotaexceedederror",
	"quota exceeded",
	"exceeded the quota",
	"quota",
	"no space left on device",
	"database or disk is full",
	"disk full",
	"could not extend file",
}

// IsQuotaError reports whether err signals that the storage engine ran out of
// space. Engines report this inconsistently, so the message is matched too.
func IsQuotaError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrStorageExhausted) {
		return true
	}
	message := strings.ToLower(err.Error())
	for _, pattern := range quotaPatterns {
		if strings.Contains(message, pattern) {
			return true
		}
	}
	return false
}

type storageExhaustedError struct {
	err error
}

func (e *storageExhaustedError) Error() string {
	return "storage exhausted: " + e.err.Error()
}

func (e *storageExhaustedError) Unwrap() error { return e.err }

func (e *storageExhaustedError) Is(target error) bool {
	return target == ErrStorageExhausted
}

func classifyWriteError(err error) error {
	if err == nil || errors.Is(err, ErrStorageExhausted) {
		return err
	}
	if IsQuotaError(err) {
		return &storageExhaustedError{err: err}
	}
	return err
}

package drafts

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/oneblink/formsync/internal/apperr"
	"github.com/oneblink/formsync/internal/forms"
)

type SyncOptions struct {
	// ThrowError returns remote failures instead of only logging them.
	ThrowError bool
}

type syncState struct {
	v atomic.Int32
}

const (
	syncIdle int32 = iota
	syncRunning
)

func (s *syncState) tryStart() bool { return s.v.CompareAndSwap(syncIdle, syncRunning) }
func (s *syncState) finish()        { s.v.Store(syncIdle) }

func (s *Store) IsSyncing() bool {
	return s.syncing.v.Load() == syncRunning
}

// SyncDrafts reconciles local drafts with the server. It reports false
// without doing anything while another sync is running. Storage failures are
// always returned; remote failures only with ThrowError.
func (s *Store) SyncDrafts(ctx context.Context, opts SyncOptions) (bool, error) {
	if !s.syncing.tryStart() {
		return false, nil
	}
	defer s.syncing.finish()

	username, private := s.privateUser(ctx, s.formsAppID)
	if !private || s.remote == nil {
		err := s.prunePublic(ctx)
		s.notify(ctx)
		return true, err
	}

	s.logger.Printf("drafts: syncing drafts for %s", username)
	phases := []func(context.Context, string) error{
		s.flushTombstones,
		s.migratePublic,
		s.uploadUnsynced,
		s.refreshSynced,
		s.prefetch,
	}
	var remoteErrs []error
	for _, phase := range phases {
		if err := ctx.Err(); err != nil {
			return true, err
		}
		err := phase(ctx, username)
		if err == nil {
			continue
		}
		if errors.Is(err, context.Canceled) || isStorageError(err) {
			s.notify(ctx)
			return true, err
		}
		s.logger.Printf("drafts: sync: %v", err)
		remoteErrs = append(remoteErrs, err)
		if opts.ThrowError {
			break
		}
	}
	s.notify(ctx)
	if opts.ThrowError && len(remoteErrs) > 0 {
		return true, apperr.Classify(remoteErrs[0])
	}
	return true, nil
}

// prunePublic drops public drafts whose content is gone.
func (s *Store) prunePublic(ctx context.Context) error {
	return s.updatePublic(ctx, func(list []forms.LocalFormSubmissionDraft) []forms.LocalFormSubmissionDraft {
		out := list[:0]
		for _, draft := range list {
			keys, err := s.store.ListKeys(ctx, draftDataKey+draft.FormSubmissionDraftID)
			if err == nil && !containsKey(keys, draftDataKey+draft.FormSubmissionDraftID) {
				s.logger.Printf("drafts: dropping public draft %s without content", draft.FormSubmissionDraftID)
				continue
			}
			out = append(out, draft)
		}
		return out
	})
}

// flushTombstones deletes remotely every draft deleted locally. A draft the
// server no longer has counts as deleted.
func (s *Store) flushTombstones(ctx context.Context, username string) error {
	if s.remote == nil {
		return nil
	}
	storage, err := s.loadUser(ctx, username)
	if err != nil {
		return apperr.Classify(err)
	}
	var errs []error
	for _, deleted := range storage.DeletedFormSubmissionDrafts {
		err := s.remote.DeleteDraft(ctx, deleted.ID)
		if err != nil && !isRemoteNotFound(err) {
			if errors.Is(err, context.Canceled) {
				return err
			}
			errs = append(errs, err)
			continue
		}
		id := deleted.ID
		if err := s.updateUser(ctx, username, func(storage *forms.LocalDraftsStorage) {
			kept := storage.DeletedFormSubmissionDrafts[:0]
			for _, draft := range storage.DeletedFormSubmissionDrafts {
				if draft.ID != id {
					kept = append(kept, draft)
				}
			}
			storage.DeletedFormSubmissionDrafts = kept
		}); err != nil {
			return err
		}
	}
	return errors.Join(errs...)
}

// migratePublic moves drafts saved before sign in into the user's unsynced
// bucket so they get uploaded.
func (s *Store) migratePublic(ctx context.Context, username string) error {
	public, err := s.loadPublic(ctx)
	if err != nil {
		return apperr.Classify(err)
	}
	if len(public) == 0 {
		return nil
	}
	var moved []forms.DraftSubmission
	for _, meta := range public {
		var data forms.DraftSubmission
		found, err := s.store.GetJSON(ctx, draftDataKey+meta.FormSubmissionDraftID, &data)
		if err != nil {
			return apperr.Classify(err)
		}
		if found {
			moved = append(moved, data)
		}
	}
	if err := s.updateUser(ctx, username, func(storage *forms.LocalDraftsStorage) {
		for _, draft := range moved {
			storage.UnsyncedDraftSubmissions = replaceUnsynced(storage.UnsyncedDraftSubmissions, draft)
		}
	}); err != nil {
		return err
	}
	s.logger.Printf("drafts: moved %d public draft(s) to %s", len(moved), username)
	return s.updatePublic(ctx, func([]forms.LocalFormSubmissionDraft) []forms.LocalFormSubmissionDraft {
		return nil
	})
}

func (s *Store) uploadUnsynced(ctx context.Context, username string) error {
	storage, err := s.loadUser(ctx, username)
	if err != nil {
		return apperr.Classify(err)
	}
	hidden := s.pendingDraftIDs(ctx)
	var errs []error
	for _, draft := range storage.UnsyncedDraftSubmissions {
		if _, queued := hidden[draft.FormSubmissionDraftID]; queued {
			continue
		}
		if _, err := s.remote.UploadDraft(ctx, draft); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			errs = append(errs, err)
			continue
		}
		uploaded := draft
		if err := s.updateUser(ctx, username, func(storage *forms.LocalDraftsStorage) {
			storage.UnsyncedDraftSubmissions = removeUnsynced(storage.UnsyncedDraftSubmissions, uploaded.FormSubmissionDraftID, uploaded.CreatedAt)
		}); err != nil {
			return err
		}
	}
	return errors.Join(errs...)
}

func (s *Store) refreshSynced(ctx context.Context, username string) error {
	synced, err := s.remote.ListDrafts(ctx, s.formsAppID)
	if err != nil {
		return err
	}
	return s.updateUser(ctx, username, func(storage *forms.LocalDraftsStorage) {
		storage.SyncedFormSubmissionDrafts = withoutDeleted(synced, storage.DeletedFormSubmissionDrafts)
	})
}

// prefetch downloads newer versions of synced drafts so they are available
// offline. Failures are logged only.
func (s *Store) prefetch(ctx context.Context, username string) error {
	storage, err := s.loadUser(ctx, username)
	if err != nil {
		return apperr.Classify(err)
	}
	hidden := s.pendingDraftIDs(ctx)
	for i := range storage.SyncedFormSubmissionDrafts {
		draft := &storage.SyncedFormSubmissionDrafts[i]
		if _, queued := hidden[draft.ID]; queued {
			continue
		}
		if _, _, err := s.getDraftSubmission(ctx, draft.ID, draft); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			if isStorageError(err) {
				return err
			}
			s.logger.Printf("drafts: could not download %s: %v", draft.ID, err)
		}
	}
	return nil
}

func isRemoteNotFound(err error) bool {
	var coder apperr.StatusCoder
	return errors.As(err, &coder) && coder.HTTPStatusCode() == http.StatusNotFound
}

func isStorageError(err error) bool {
	return apperr.KindOf(err) == apperr.KindStorageExhausted
}

func containsKey(keys []string, key string) bool {
	for _, candidate := range keys {
		if candidate == key {
			return true
		}
	}
	return false
}

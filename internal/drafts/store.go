// Package drafts keeps a local working copy of form drafts and reconciles it
// with the versioned drafts stored by the forms API.
package drafts

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oneblink/formsync/internal/apperr"
	"github.com/oneblink/formsync/internal/forms"
	"github.com/oneblink/formsync/internal/kvstore"
	"github.com/oneblink/formsync/internal/logging"
	"github.com/oneblink/formsync/internal/observer"
)

const (
	publicDraftsKey = "PUBLIC_DRAFTS"
	userDraftsKey   = "DRAFTS_"
	draftDataKey    = "DRAFT_"
)

type Remote interface {
	UploadDraft(ctx context.Context, draft forms.DraftSubmission) (forms.FormSubmissionDraftVersion, error)
	ListDrafts(ctx context.Context, formsAppID int64) ([]forms.FormSubmissionDraft, error)
	DownloadDraftVersion(ctx context.Context, draftID, versionID string) (forms.DraftSubmission, error)
	DeleteDraft(ctx context.Context, draftID string) error
}

type Session interface {
	IsLoggedIn() bool
	Username() string
	GetFormsKeyID() string
}

type AccessChecker interface {
	HasFormsAppAccess(ctx context.Context, formsAppID int64) (bool, error)
}

// PendingSource lists queued submissions so their drafts stay hidden.
type PendingSource interface {
	List(ctx context.Context) ([]forms.PendingFormSubmission, error)
}

type Options struct {
	Remote     Remote
	Session    Session
	Access     AccessChecker
	Pending    PendingSource
	FormsAppID int64
	Logger     logging.Logger
	Now        func() time.Time
}

type Store struct {
	store      *kvstore.Store
	remote     Remote
	session    Session
	access     AccessChecker
	pending    PendingSource
	formsAppID int64
	logger     logging.Logger
	now        func() time.Time

	// serializes read-modify-write of the draft lists
	mu sync.Mutex

	accessMu    sync.Mutex
	accessCache map[accessKey]bool

	syncing syncState
	changes observer.Registry[[]forms.LocalFormSubmissionDraft]
}

type accessKey struct {
	username   string
	formsAppID int64
}

func NewStore(store *kvstore.Store, opts Options) *Store {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		store:      store,
		remote:     opts.Remote,
		session:    opts.Session,
		access:     opts.Access,
		pending:    opts.Pending,
		formsAppID: opts.FormsAppID,
		logger:     logging.OrDefault(opts.Logger),
		now:        now,
	}
}

// Subscribe registers fn to receive the visible draft list after every
// change.
func (s *Store) Subscribe(fn func([]forms.LocalFormSubmissionDraft)) func() {
	return s.changes.Subscribe(fn)
}

// UpsertDraft saves a new version of draft locally and, depending on the
// session, remotely. The stored version is returned.
func (s *Store) UpsertDraft(ctx context.Context, draft forms.DraftSubmission) (forms.DraftSubmission, error) {
	if strings.TrimSpace(draft.FormSubmissionDraftID) == "" {
		draft.FormSubmissionDraftID = uuid.NewString()
	}
	if draft.FormsAppID == 0 {
		draft.FormsAppID = s.formsAppID
	}
	draft.CreatedAt = forms.FormatTimestamp(s.now())

	if err := s.store.Set(ctx, draftDataKey+draft.FormSubmissionDraftID, draft); err != nil {
		return draft, apperr.Classify(err)
	}

	if s.session != nil && s.session.GetFormsKeyID() != "" && s.remote != nil {
		if _, err := s.remote.UploadDraft(ctx, draft); err != nil {
			return draft, apperr.Classify(err)
		}
		s.notify(ctx)
		return draft, nil
	}

	if username, ok := s.privateUser(ctx, draft.FormsAppID); ok {
		err := s.updateUser(ctx, username, func(storage *forms.LocalDraftsStorage) {
			storage.UnsyncedDraftSubmissions = replaceUnsynced(storage.UnsyncedDraftSubmissions, draft)
			storage.DeletedFormSubmissionDrafts = removeTombstone(storage.DeletedFormSubmissionDrafts, draft.FormSubmissionDraftID)
		})
		if err != nil {
			return draft, err
		}
		if err := s.saveRemote(ctx, username, draft); err != nil {
			s.logger.Printf("drafts: %s saved locally, remote save failed: %v", draft.FormSubmissionDraftID, err)
		}
		s.notify(ctx)
		return draft, nil
	}

	err := s.updatePublic(ctx, func(list []forms.LocalFormSubmissionDraft) []forms.LocalFormSubmissionDraft {
		return replaceMetadata(list, localFromSubmission(draft, false))
	})
	if err != nil {
		return draft, err
	}
	s.notify(ctx)
	return draft, nil
}

// saveRemote uploads one draft version and refreshes the synced metadata.
// The unsynced entry is dropped only if it still holds the uploaded version.
func (s *Store) saveRemote(ctx context.Context, username string, draft forms.DraftSubmission) error {
	if s.remote == nil {
		return nil
	}
	version, err := s.remote.UploadDraft(ctx, draft)
	if err != nil {
		return err
	}
	synced, listErr := s.remote.ListDrafts(ctx, s.appID(draft.FormsAppID))
	if listErr != nil {
		s.logger.Printf("drafts: could not refresh drafts after saving %s: %v", draft.FormSubmissionDraftID, listErr)
	}
	return s.updateUser(ctx, username, func(storage *forms.LocalDraftsStorage) {
		storage.UnsyncedDraftSubmissions = removeUnsynced(storage.UnsyncedDraftSubmissions, draft.FormSubmissionDraftID, draft.CreatedAt)
		if listErr == nil {
			storage.SyncedFormSubmissionDrafts = withoutDeleted(synced, storage.DeletedFormSubmissionDrafts)
		} else {
			storage.SyncedFormSubmissionDrafts = mergeUploaded(storage.SyncedFormSubmissionDrafts, draft, version)
		}
	})
}

// GetDrafts lists the drafts the current user can see, oldest first. Drafts
// referenced by a queued submission are hidden.
func (s *Store) GetDrafts(ctx context.Context) ([]forms.LocalFormSubmissionDraft, error) {
	hidden := s.pendingDraftIDs(ctx)
	username, private := s.privateUser(ctx, s.formsAppID)
	if !private {
		return s.visiblePublic(ctx, hidden)
	}

	storage, err := s.loadUser(ctx, username)
	if err != nil {
		return nil, apperr.Classify(err)
	}
	for _, deleted := range storage.DeletedFormSubmissionDrafts {
		hidden[deleted.ID] = struct{}{}
	}
	out := []forms.LocalFormSubmissionDraft{}
	covered := map[string]struct{}{}
	for _, draft := range storage.UnsyncedDraftSubmissions {
		covered[draft.FormSubmissionDraftID] = struct{}{}
		if _, skip := hidden[draft.FormSubmissionDraftID]; skip {
			continue
		}
		out = append(out, localFromSubmission(draft, false))
	}
	for _, draft := range storage.SyncedFormSubmissionDrafts {
		if _, skip := covered[draft.ID]; skip {
			continue
		}
		if _, skip := hidden[draft.ID]; skip {
			continue
		}
		out = append(out, localFromSynced(draft))
	}
	forms.SortDraftsByCreatedAt(out)
	return out, nil
}

// GetPublicDrafts lists drafts saved while nobody was signed in.
func (s *Store) GetPublicDrafts(ctx context.Context) ([]forms.LocalFormSubmissionDraft, error) {
	return s.visiblePublic(ctx, s.pendingDraftIDs(ctx))
}

func (s *Store) visiblePublic(ctx context.Context, hidden map[string]struct{}) ([]forms.LocalFormSubmissionDraft, error) {
	list, err := s.loadPublic(ctx)
	if err != nil {
		return nil, apperr.Classify(err)
	}
	out := []forms.LocalFormSubmissionDraft{}
	for _, draft := range list {
		if _, skip := hidden[draft.FormSubmissionDraftID]; skip {
			continue
		}
		out = append(out, draft)
	}
	forms.SortDraftsByCreatedAt(out)
	return out, nil
}

type DraftAndData struct {
	Draft forms.LocalFormSubmissionDraft `json:"draft"`
	Data  forms.DraftSubmission          `json:"draftData"`
}

// GetDraftAndData returns a visible draft with its content, downloading the
// latest version when it is newer than the local copy. It returns nil when
// the draft is unknown or has no content anywhere.
func (s *Store) GetDraftAndData(ctx context.Context, draftID string) (*DraftAndData, error) {
	list, err := s.GetDrafts(ctx)
	if err != nil {
		return nil, err
	}
	var meta *forms.LocalFormSubmissionDraft
	for i := range list {
		if list[i].FormSubmissionDraftID == draftID {
			meta = &list[i]
			break
		}
	}
	if meta == nil {
		return nil, nil
	}

	var synced *forms.FormSubmissionDraft
	if meta.IsSynced {
		if username, ok := s.privateUser(ctx, s.formsAppID); ok {
			storage, err := s.loadUser(ctx, username)
			if err != nil {
				return nil, apperr.Classify(err)
			}
			for i := range storage.SyncedFormSubmissionDrafts {
				if storage.SyncedFormSubmissionDrafts[i].ID == draftID {
					synced = &storage.SyncedFormSubmissionDrafts[i]
					break
				}
			}
		}
	}
	data, found, err := s.getDraftSubmission(ctx, draftID, synced)
	if err != nil || !found {
		return nil, err
	}
	return &DraftAndData{Draft: *meta, Data: data}, nil
}

// getDraftSubmission resolves the content of one draft. The remote version
// is used only when its createdAt is strictly newer than the local copy; it
// is cached before being returned.
func (s *Store) getDraftSubmission(ctx context.Context, draftID string, synced *forms.FormSubmissionDraft) (forms.DraftSubmission, bool, error) {
	var local forms.DraftSubmission
	hasLocal, err := s.store.GetJSON(ctx, draftDataKey+draftID, &local)
	if err != nil {
		return forms.DraftSubmission{}, false, apperr.Classify(err)
	}
	if synced == nil || s.remote == nil {
		return local, hasLocal, nil
	}
	version, ok := synced.LatestVersion()
	if !ok || (hasLocal && forms.CompareTimestamps(version.CreatedAt, local.CreatedAt) <= 0) {
		return local, hasLocal, nil
	}

	downloaded, err := s.remote.DownloadDraftVersion(ctx, draftID, version.ID)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return forms.DraftSubmission{}, false, err
		}
		if hasLocal {
			s.logger.Printf("drafts: using local copy of %s, download failed: %v", draftID, err)
			return local, true, nil
		}
		return forms.DraftSubmission{}, false, apperr.Classify(err)
	}
	downloaded.FormSubmissionDraftID = draftID
	if downloaded.CreatedAt == "" {
		downloaded.CreatedAt = version.CreatedAt
	}
	if downloaded.Title == "" {
		downloaded.Title = version.Title
	}
	if err := s.store.Set(ctx, draftDataKey+draftID, downloaded); err != nil {
		return forms.DraftSubmission{}, false, apperr.Classify(err)
	}
	return downloaded, true, nil
}

// DeleteDraft removes a draft locally. Synced drafts leave a tombstone that
// is flushed to the server immediately when possible and otherwise on the
// next sync.
func (s *Store) DeleteDraft(ctx context.Context, draftID string) error {
	if err := s.store.Delete(ctx, draftDataKey+draftID); err != nil {
		return apperr.Classify(err)
	}

	if username, ok := s.privateUser(ctx, s.formsAppID); ok {
		err := s.updateUser(ctx, username, func(storage *forms.LocalDraftsStorage) {
			storage.UnsyncedDraftSubmissions = removeUnsynced(storage.UnsyncedDraftSubmissions, draftID, "")
			for i, synced := range storage.SyncedFormSubmissionDrafts {
				if synced.ID != draftID {
					continue
				}
				storage.SyncedFormSubmissionDrafts = append(storage.SyncedFormSubmissionDrafts[:i], storage.SyncedFormSubmissionDrafts[i+1:]...)
				if !containsDraft(storage.DeletedFormSubmissionDrafts, draftID) {
					storage.DeletedFormSubmissionDrafts = append(storage.DeletedFormSubmissionDrafts, synced)
				}
				break
			}
		})
		if err != nil {
			return err
		}
		if err := s.flushTombstones(ctx, username); err != nil {
			s.logger.Printf("drafts: delete of %s will be retried: %v", draftID, err)
		}
		s.notify(ctx)
		return nil
	}

	err := s.updatePublic(ctx, func(list []forms.LocalFormSubmissionDraft) []forms.LocalFormSubmissionDraft {
		return removeMetadata(list, draftID)
	})
	if err != nil {
		return err
	}
	s.notify(ctx)
	return nil
}

func (s *Store) notify(ctx context.Context) {
	if s.changes.Len() == 0 {
		return
	}
	list, err := s.GetDrafts(ctx)
	if err != nil {
		s.logger.Printf("drafts: could not list drafts for listeners: %v", err)
		return
	}
	s.changes.Publish(list)
}

// privateUser reports the user whose drafts are synced. Only an explicit
// denial of access to the forms app makes a signed in user's drafts public.
func (s *Store) privateUser(ctx context.Context, formsAppID int64) (string, bool) {
	if s.session == nil || !s.session.IsLoggedIn() {
		return "", false
	}
	username := strings.TrimSpace(s.session.Username())
	if username == "" {
		return "", false
	}
	if s.access != nil && !s.hasAccess(ctx, username, s.appID(formsAppID)) {
		return "", false
	}
	return username, true
}

// hasAccess remembers the answer per user and forms app. When the check
// fails the user is assumed to have access.
func (s *Store) hasAccess(ctx context.Context, username string, formsAppID int64) bool {
	key := accessKey{username: username, formsAppID: formsAppID}
	s.accessMu.Lock()
	allowed, known := s.accessCache[key]
	s.accessMu.Unlock()
	if known {
		return allowed
	}
	allowed, err := s.access.HasFormsAppAccess(ctx, formsAppID)
	if err != nil {
		s.logger.Printf("drafts: could not check access to forms app %d: %v", formsAppID, err)
		return true
	}
	s.accessMu.Lock()
	if s.accessCache == nil {
		s.accessCache = map[accessKey]bool{}
	}
	s.accessCache[key] = allowed
	s.accessMu.Unlock()
	return allowed
}

func (s *Store) appID(formsAppID int64) int64 {
	if formsAppID != 0 {
		return formsAppID
	}
	return s.formsAppID
}

func (s *Store) pendingDraftIDs(ctx context.Context) map[string]struct{} {
	ids := map[string]struct{}{}
	if s.pending == nil {
		return ids
	}
	items, err := s.pending.List(ctx)
	if err != nil {
		s.logger.Printf("drafts: could not read pending queue: %v", err)
		return ids
	}
	for _, item := range items {
		if item.FormSubmissionDraftID != "" {
			ids[item.FormSubmissionDraftID] = struct{}{}
		}
	}
	return ids
}

func (s *Store) loadUser(ctx context.Context, username string) (forms.LocalDraftsStorage, error) {
	var storage forms.LocalDraftsStorage
	if _, err := s.store.GetJSON(ctx, userDraftsKey+username, &storage); err != nil {
		return forms.LocalDraftsStorage{}, err
	}
	return storage, nil
}

// updateUser re-reads the user's draft lists, applies fn and writes them back.
func (s *Store) updateUser(ctx context.Context, username string, fn func(*forms.LocalDraftsStorage)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	storage, err := s.loadUser(ctx, username)
	if err != nil {
		return apperr.Classify(err)
	}
	fn(&storage)
	return apperr.Classify(s.store.Set(ctx, userDraftsKey+username, storage))
}

func (s *Store) loadPublic(ctx context.Context) ([]forms.LocalFormSubmissionDraft, error) {
	var list []forms.LocalFormSubmissionDraft
	if _, err := s.store.GetJSON(ctx, publicDraftsKey, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (s *Store) updatePublic(ctx context.Context, fn func([]forms.LocalFormSubmissionDraft) []forms.LocalFormSubmissionDraft) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.loadPublic(ctx)
	if err != nil {
		return apperr.Classify(err)
	}
	list = fn(list)
	if list == nil {
		list = []forms.LocalFormSubmissionDraft{}
	}
	return apperr.Classify(s.store.Set(ctx, publicDraftsKey, list))
}

func localFromSubmission(draft forms.DraftSubmission, synced bool) forms.LocalFormSubmissionDraft {
	return forms.LocalFormSubmissionDraft{
		FormSubmissionDraftID: draft.FormSubmissionDraftID,
		FormID:                draft.Definition.ID,
		FormsAppID:            draft.FormsAppID,
		ExternalID:            draft.ExternalID,
		JobID:                 draft.JobID,
		Title:                 draft.Title,
		CreatedAt:             draft.CreatedAt,
		IsSynced:              synced,
	}
}

func localFromSynced(draft forms.FormSubmissionDraft) forms.LocalFormSubmissionDraft {
	local := forms.LocalFormSubmissionDraft{
		FormSubmissionDraftID: draft.ID,
		FormID:                draft.FormID,
		FormsAppID:            draft.FormsAppID,
		ExternalID:            draft.ExternalID,
		JobID:                 draft.JobID,
		Title:                 draft.Title,
		IsSynced:              true,
	}
	if version, ok := draft.LatestVersion(); ok {
		local.CreatedAt = version.CreatedAt
		if version.Title != "" {
			local.Title = version.Title
		}
		if version.ExternalID != "" {
			local.ExternalID = version.ExternalID
		}
	}
	return local
}

func replaceUnsynced(list []forms.DraftSubmission, draft forms.DraftSubmission) []forms.DraftSubmission {
	for i := range list {
		if list[i].FormSubmissionDraftID == draft.FormSubmissionDraftID {
			list[i] = draft
			return list
		}
	}
	return append(list, draft)
}

// removeUnsynced drops the entry for draftID. A non-empty createdAt only
// matches that exact version.
func removeUnsynced(list []forms.DraftSubmission, draftID, createdAt string) []forms.DraftSubmission {
	out := list[:0]
	for _, draft := range list {
		if draft.FormSubmissionDraftID == draftID && (createdAt == "" || draft.CreatedAt == createdAt) {
			continue
		}
		out = append(out, draft)
	}
	return out
}

func replaceMetadata(list []forms.LocalFormSubmissionDraft, draft forms.LocalFormSubmissionDraft) []forms.LocalFormSubmissionDraft {
	for i := range list {
		if list[i].FormSubmissionDraftID == draft.FormSubmissionDraftID {
			list[i] = draft
			return list
		}
	}
	return append(list, draft)
}

func removeMetadata(list []forms.LocalFormSubmissionDraft, draftID string) []forms.LocalFormSubmissionDraft {
	out := list[:0]
	for _, draft := range list {
		if draft.FormSubmissionDraftID != draftID {
			out = append(out, draft)
		}
	}
	return out
}

func containsDraft(list []forms.FormSubmissionDraft, draftID string) bool {
	for _, draft := range list {
		if draft.ID == draftID {
			return true
		}
	}
	return false
}

// removeTombstone forgets a pending delete once the draft is saved again.
func removeTombstone(list []forms.FormSubmissionDraft, draftID string) []forms.FormSubmissionDraft {
	out := list[:0]
	for _, draft := range list {
		if draft.ID != draftID {
			out = append(out, draft)
		}
	}
	return out
}

func withoutDeleted(synced, deleted []forms.FormSubmissionDraft) []forms.FormSubmissionDraft {
	out := make([]forms.FormSubmissionDraft, 0, len(synced))
	for _, draft := range synced {
		if !containsDraft(deleted, draft.ID) {
			out = append(out, draft)
		}
	}
	return out
}

// mergeUploaded records an uploaded version in the synced list when the
// server list could not be fetched.
func mergeUploaded(synced []forms.FormSubmissionDraft, draft forms.DraftSubmission, version forms.FormSubmissionDraftVersion) []forms.FormSubmissionDraft {
	version.FormSubmissionDraftID = draft.FormSubmissionDraftID
	if version.CreatedAt == "" {
		version.CreatedAt = draft.CreatedAt
	}
	if version.Title == "" {
		version.Title = draft.Title
	}
	for i := range synced {
		if synced[i].ID == draft.FormSubmissionDraftID {
			synced[i].Title = version.Title
			synced[i].Versions = append(synced[i].Versions, version)
			return synced
		}
	}
	return append(synced, forms.FormSubmissionDraft{
		ID:         draft.FormSubmissionDraftID,
		FormID:     draft.Definition.ID,
		FormsAppID: draft.FormsAppID,
		ExternalID: draft.ExternalID,
		JobID:      draft.JobID,
		Title:      version.Title,
		Versions:   []forms.FormSubmissionDraftVersion{version},
	})
}

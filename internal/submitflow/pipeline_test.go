package submitflow

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oneblink/formsync/internal/apperr"
	"github.com/oneblink/formsync/internal/attachments"
	"github.com/oneblink/formsync/internal/connectivity"
	"github.com/oneblink/formsync/internal/forms"
	"github.com/oneblink/formsync/internal/kvstore"
	"github.com/oneblink/formsync/internal/pending"
	"github.com/oneblink/formsync/internal/preparation"
	"github.com/oneblink/formsync/internal/remote"
)

type fakeAPI struct {
	mu           sync.Mutex
	submitted    []forms.FormSubmission
	keys         []string
	attemptKeys  []string
	validated    int
	validateErr  error
	submitErr    error
	nextExternal string
}

func (f *fakeAPI) ValidateWithServer(ctx context.Context, submission forms.FormSubmission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validated++
	return f.validateErr
}

func (f *fakeAPI) GenerateExternalID(ctx context.Context, submission forms.FormSubmission) (string, error) {
	return f.nextExternal, nil
}

func (f *fakeAPI) Submit(ctx context.Context, submission forms.FormSubmission, idempotencyKey string) (forms.SubmissionReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attemptKeys = append(f.attemptKeys, idempotencyKey)
	if f.submitErr != nil {
		return forms.SubmissionReceipt{}, f.submitErr
	}
	f.submitted = append(f.submitted, submission)
	f.keys = append(f.keys, idempotencyKey)
	return forms.SubmissionReceipt{SubmissionID: "sub-1", SubmissionTimestamp: "2024-03-01T09:31:00.000Z"}, nil
}

type recordingCleanup struct {
	drafts   []string
	prefills []string
}

func (r *recordingCleanup) DeleteDraft(ctx context.Context, draftID string) error {
	r.drafts = append(r.drafts, draftID)
	return nil
}

func (r *recordingCleanup) Remove(ctx context.Context, formID int64, prefillID string) error {
	r.prefills = append(r.prefills, prefillID)
	return nil
}

type stubUploader struct {
	err error
}

func (s stubUploader) Upload(ctx context.Context, req attachments.UploadRequest) (attachments.Saved, error) {
	if s.err != nil {
		return attachments.Saved{}, s.err
	}
	return attachments.Saved{ID: "saved-" + req.FileName, FileName: req.FileName}, nil
}

type harness struct {
	api      *fakeAPI
	cleanup  *recordingCleanup
	online   *connectivity.Static
	queue    *pending.Queue
	pipeline *Pipeline
}

func newHarness(t *testing.T, configure func(*Options)) *harness {
	t.Helper()
	h := &harness{
		api:     &fakeAPI{nextExternal: "EXT-1"},
		cleanup: &recordingCleanup{},
		online:  connectivity.NewStatic(false),
	}
	store := kvstore.NewStore(kvstore.NewMemoryBackend(), kvstore.Options{})
	h.queue = pending.NewQueue(store, pending.Options{Connectivity: h.online})
	opts := Options{
		API:                 h.api,
		Queue:               h.queue,
		Drafts:              h.cleanup,
		Prefill:             h.cleanup,
		Preparer:            preparation.New(preparation.Options{Uploader: stubUploader{}}),
		Connectivity:        h.online,
		PendingQueueEnabled: true,
	}
	if configure != nil {
		configure(&opts)
	}
	h.pipeline = New(opts)
	return h
}

func photoForm() forms.Form {
	return forms.Form{ID: 9, Elements: []forms.Element{{Name: "photo", Type: forms.ElementCamera}}}
}

func plainSubmission() forms.FormSubmission {
	return forms.FormSubmission{
		FormsAppID:            1,
		Definition:            forms.Form{ID: 9},
		Submission:            map[string]any{"name": "Ada"},
		FormSubmissionDraftID: "draft-1",
		PreFillFormDataID:     "prefill-1",
	}
}

func withPayment(submission forms.FormSubmission) forms.FormSubmission {
	submission.PaymentSubmissionEvent = &forms.SubmissionEvent{Type: "CP_PAY"}
	return submission
}

func queued(t *testing.T, h *harness) []forms.PendingFormSubmission {
	t.Helper()
	items, err := h.queue.List(context.Background())
	require.NoError(t, err)
	return items
}

func TestOnlineSubmissionIsDeliveredAndCleanedUp(t *testing.T) {
	h := newHarness(t, nil)
	submission := plainSubmission()
	submission.Definition.ServerValidation = &forms.EndpointConfig{URL: "https://validate.example"}
	submission.Definition.ExternalIDGeneration = &forms.EndpointConfig{URL: "https://ids.example"}

	result, err := h.pipeline.Submit(context.Background(), submission)
	require.NoError(t, err)
	assert.False(t, result.IsOffline)
	assert.False(t, result.IsInPendingQueue)
	assert.Equal(t, "sub-1", result.SubmissionID)
	assert.Equal(t, "EXT-1", result.ExternalID)

	assert.Equal(t, 1, h.api.validated)
	require.Len(t, h.api.submitted, 1)
	assert.Equal(t, "EXT-1", h.api.submitted[0].ExternalID)
	assert.NotEmpty(t, h.api.keys[0])
	assert.Equal(t, []string{"draft-1"}, h.cleanup.drafts)
	assert.Equal(t, []string{"prefill-1"}, h.cleanup.prefills)
	assert.Empty(t, queued(t, h))
}

func TestOfflineDecisions(t *testing.T) {
	cases := []struct {
		name         string
		queueEnabled bool
		submission   forms.FormSubmission
		wantQueued   bool
	}{
		{name: "continuation is never queued", queueEnabled: true, submission: withPayment(plainSubmission())},
		{name: "queue disabled", queueEnabled: false, submission: plainSubmission()},
		{name: "queued", queueEnabled: true, submission: plainSubmission(), wantQueued: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, func(opts *Options) { opts.PendingQueueEnabled = tc.queueEnabled })
			h.online.SetOffline(true)

			result, err := h.pipeline.Submit(context.Background(), tc.submission)
			require.NoError(t, err)
			assert.True(t, result.IsOffline)
			assert.Equal(t, tc.wantQueued, result.IsInPendingQueue)
			assert.Len(t, queued(t, h), map[bool]int{true: 1, false: 0}[tc.wantQueued])
			assert.Empty(t, h.api.submitted)
		})
	}
}

func TestAlwaysQueueDefersOnlineSubmissions(t *testing.T) {
	h := newHarness(t, func(opts *Options) { opts.AlwaysQueue = true })

	result, err := h.pipeline.Submit(context.Background(), plainSubmission())
	require.NoError(t, err)
	assert.True(t, result.IsInPendingQueue)
	assert.Len(t, queued(t, h), 1)
	assert.Empty(t, h.api.submitted)
}

func TestUnuploadedAttachmentsAreQueued(t *testing.T) {
	h := newHarness(t, nil)
	submission := plainSubmission()
	submission.Definition = photoForm()
	submission.Submission = map[string]any{"photo": attachments.NewLocal("a.png", "image/png", []byte("png"), false).Value()}

	result, err := h.pipeline.Submit(context.Background(), submission)
	require.NoError(t, err)
	assert.True(t, result.IsUploadingAttachments)
	assert.True(t, result.IsInPendingQueue)
	assert.Len(t, queued(t, h), 1)

	continued, err := h.pipeline.Submit(context.Background(), withPayment(submission))
	require.NoError(t, err)
	assert.True(t, continued.IsUploadingAttachments)
	assert.False(t, continued.IsInPendingQueue)
	assert.Len(t, queued(t, h), 1)
}

func TestGoingOfflineDuringDeliveryQueuesSubmission(t *testing.T) {
	h := newHarness(t, nil)
	h.api.submitErr = apperr.ErrOffline

	result, err := h.pipeline.Submit(context.Background(), plainSubmission())
	require.NoError(t, err)
	assert.True(t, result.IsOffline)
	assert.True(t, result.IsInPendingQueue)
	assert.Len(t, queued(t, h), 1)
	assert.Empty(t, h.cleanup.drafts)
}

func TestQueuedRetryReusesDirectAttemptKey(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.api.submitErr = apperr.ErrOffline

	result, err := h.pipeline.Submit(ctx, plainSubmission())
	require.NoError(t, err)
	require.True(t, result.IsInPendingQueue)
	require.Len(t, h.api.attemptKeys, 1)
	firstKey := h.api.attemptKeys[0]
	require.NotEmpty(t, firstKey)

	items := queued(t, h)
	require.Len(t, items, 1)
	assert.Equal(t, firstKey, items[0].IdempotencyKey)
	assert.NotEqual(t, firstKey, items[0].PendingTimestamp)

	h.api.submitErr = nil
	drained, ran := h.pipeline.ProcessPendingQueue(ctx)
	require.True(t, ran)
	assert.Equal(t, 1, drained.Succeeded)
	assert.Equal(t, []string{firstKey}, h.api.keys)
	assert.Empty(t, queued(t, h))
}

func TestRejectedSubmissionIsNotQueued(t *testing.T) {
	h := newHarness(t, nil)
	h.api.validateErr = &remote.HTTPError{StatusCode: http.StatusBadRequest, Message: "name is required"}
	submission := plainSubmission()
	submission.Definition.ServerValidation = &forms.EndpointConfig{URL: "https://validate.example"}

	_, err := h.pipeline.Submit(context.Background(), submission)
	require.Error(t, err)
	assert.Equal(t, apperr.KindBadRequest, apperr.KindOf(err))
	assert.Empty(t, queued(t, h))
	assert.Empty(t, h.api.submitted)
}

func TestProcessPendingQueueUploadsAndUsesPendingTimestamp(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	submission := plainSubmission()
	submission.Definition = photoForm()
	submission.Submission = map[string]any{"photo": attachments.NewLocal("a.png", "image/png", []byte("png"), false).Value()}
	added, err := h.queue.Enqueue(ctx, submission)
	require.NoError(t, err)

	result, ran := h.pipeline.ProcessPendingQueue(ctx)
	require.True(t, ran)
	assert.Equal(t, 1, result.Succeeded)
	assert.Empty(t, queued(t, h))

	require.Len(t, h.api.submitted, 1)
	assert.Equal(t, added.PendingTimestamp, h.api.keys[0])
	photo, ok := attachments.Decode(h.api.submitted[0].Submission["photo"])
	require.True(t, ok)
	assert.True(t, photo.IsSaved())
	assert.Equal(t, []string{"draft-1"}, h.cleanup.drafts)
}

func TestProcessPendingQueueRecordsFailedAttachments(t *testing.T) {
	h := newHarness(t, func(opts *Options) {
		opts.Preparer = preparation.New(preparation.Options{Uploader: stubUploader{
			err: &attachments.StorageError{StatusCode: http.StatusBadRequest, Message: "file type not allowed"},
		}})
	})
	ctx := context.Background()
	submission := plainSubmission()
	submission.Definition = photoForm()
	submission.Submission = map[string]any{"photo": attachments.NewLocal("a.exe", "", []byte("MZ"), false).Value()}
	_, err := h.queue.Enqueue(ctx, submission)
	require.NoError(t, err)

	result, ran := h.pipeline.ProcessPendingQueue(ctx)
	require.True(t, ran)
	assert.Equal(t, 1, result.Failed)

	items := queued(t, h)
	require.Len(t, items, 1)
	assert.False(t, items[0].IsSubmitting)
	assert.Contains(t, items[0].Error, "attachments could not be uploaded")
	photo, ok := attachments.Decode(items[0].Submission["photo"])
	require.True(t, ok)
	assert.True(t, photo.IsError())
	assert.Empty(t, h.api.submitted)
}

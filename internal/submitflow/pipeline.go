// Package submitflow decides whether a submission is delivered now or
// deferred to the pending queue, and delivers it.
package submitflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/oneblink/formsync/internal/apperr"
	"github.com/oneblink/formsync/internal/connectivity"
	"github.com/oneblink/formsync/internal/forms"
	"github.com/oneblink/formsync/internal/logging"
	"github.com/oneblink/formsync/internal/pending"
	"github.com/oneblink/formsync/internal/preparation"
)

var (
	ErrAttachmentsIncomplete = errors.New("attachments have not finished uploading")
	ErrAttachmentsFailed     = errors.New("attachments could not be uploaded")
)

type API interface {
	ValidateWithServer(ctx context.Context, submission forms.FormSubmission) error
	GenerateExternalID(ctx context.Context, submission forms.FormSubmission) (string, error)
	Submit(ctx context.Context, submission forms.FormSubmission, idempotencyKey string) (forms.SubmissionReceipt, error)
}

// ContinuationStarter begins the payment or scheduling step of an accepted
// submission and returns the URL to send the user to.
type ContinuationStarter interface {
	Start(ctx context.Context, submission forms.FormSubmission, receipt forms.SubmissionReceipt) (string, error)
}

type DraftDeleter interface {
	DeleteDraft(ctx context.Context, draftID string) error
}

type PrefillRemover interface {
	Remove(ctx context.Context, formID int64, prefillID string) error
}

type Options struct {
	API                 API
	Queue               *pending.Queue
	Drafts              DraftDeleter
	Prefill             PrefillRemover
	Preparer            *preparation.Preparer
	Connectivity        connectivity.Checker
	Continuation        ContinuationStarter
	PendingQueueEnabled bool
	AlwaysQueue         bool
	Logger              logging.Logger
}

type Pipeline struct {
	api                 API
	queue               *pending.Queue
	drafts              DraftDeleter
	prefill             PrefillRemover
	preparer            *preparation.Preparer
	connectivity        connectivity.Checker
	continuation        ContinuationStarter
	pendingQueueEnabled bool
	alwaysQueue         bool
	logger              logging.Logger
}

func New(opts Options) *Pipeline {
	return &Pipeline{
		api:                 opts.API,
		queue:               opts.Queue,
		drafts:              opts.Drafts,
		prefill:             opts.Prefill,
		preparer:            opts.Preparer,
		connectivity:        opts.Connectivity,
		continuation:        opts.Continuation,
		pendingQueueEnabled: opts.PendingQueueEnabled && opts.Queue != nil,
		alwaysQueue:         opts.AlwaysQueue,
		logger:              logging.OrDefault(opts.Logger),
	}
}

// Submit delivers submission now when possible and otherwise defers it to
// the pending queue. An error is returned only when the submission was
// neither delivered nor queued for a reason other than being offline.
func (p *Pipeline) Submit(ctx context.Context, submission forms.FormSubmission) (forms.SubmissionResult, error) {
	if result, handled, err := p.deferIfOffline(ctx, submission, p.isOffline(), ""); handled {
		return result, err
	}

	summary := preparation.Inspect(submission.Definition, submission.Submission)
	if !summary.UploadComplete() {
		if submission.HasContinuation() {
			return forms.SubmissionResult{FormSubmission: submission, IsUploadingAttachments: true}, nil
		}
		if p.pendingQueueEnabled {
			if _, err := p.queue.Enqueue(ctx, submission); err != nil {
				return forms.SubmissionResult{}, err
			}
			return forms.SubmissionResult{FormSubmission: submission, IsUploadingAttachments: true, IsInPendingQueue: true}, nil
		}
		prepared, err := p.prepare(ctx, submission, nil)
		if err != nil {
			return forms.SubmissionResult{}, err
		}
		submission = prepared
	}

	idempotencyKey := uuid.NewString()
	result, err := p.deliver(ctx, submission, idempotencyKey)
	if err == nil {
		return result, nil
	}
	if apperr.KindOf(err) == apperr.KindOffline {
		// the request may have reached the server, so a queued retry keeps the key
		p.logger.Printf("submitflow: went offline while submitting form %d", submission.Definition.ID)
		if result, handled, deferErr := p.deferIfOffline(ctx, submission, true, idempotencyKey); handled {
			return result, deferErr
		}
	}
	return forms.SubmissionResult{}, err
}

// deferIfOffline applies the offline rules. handled is false when the
// submission should be delivered now. idempotencyKey is stored on the queued
// entry when a delivery was already attempted.
func (p *Pipeline) deferIfOffline(ctx context.Context, submission forms.FormSubmission, offline bool, idempotencyKey string) (forms.SubmissionResult, bool, error) {
	deferred := offline || p.alwaysQueue
	switch {
	case deferred && submission.HasContinuation():
		return forms.SubmissionResult{FormSubmission: submission, IsOffline: true}, true, nil
	case offline && !p.pendingQueueEnabled:
		return forms.SubmissionResult{FormSubmission: submission, IsOffline: true}, true, nil
	case deferred && p.pendingQueueEnabled:
		if _, err := p.queue.EnqueueWithKey(ctx, submission, idempotencyKey); err != nil {
			return forms.SubmissionResult{}, true, err
		}
		return forms.SubmissionResult{FormSubmission: submission, IsOffline: true, IsInPendingQueue: true}, true, nil
	}
	return forms.SubmissionResult{}, false, nil
}

// deliver validates, assigns an external id and submits. After acceptance
// the continuation is started and the draft and prefill data are cleaned
// up; cleanup failures are only logged.
func (p *Pipeline) deliver(ctx context.Context, submission forms.FormSubmission, idempotencyKey string) (forms.SubmissionResult, error) {
	if p.api == nil {
		return forms.SubmissionResult{}, errors.New("no submission API configured")
	}
	if submission.Definition.ServerValidation != nil {
		if err := p.api.ValidateWithServer(ctx, submission); err != nil {
			return forms.SubmissionResult{}, apperr.Classify(err)
		}
	}
	if submission.Definition.ExternalIDGeneration != nil && submission.ExternalID == "" {
		externalID, err := p.api.GenerateExternalID(ctx, submission)
		if err != nil {
			return forms.SubmissionResult{}, apperr.Classify(err)
		}
		submission.ExternalID = externalID
	}

	receipt, err := p.api.Submit(ctx, submission, idempotencyKey)
	if err != nil {
		return forms.SubmissionResult{}, apperr.Classify(err)
	}
	result := forms.SubmissionResult{
		FormSubmission:      submission,
		SubmissionID:        receipt.SubmissionID,
		SubmissionTimestamp: receipt.SubmissionTimestamp,
	}

	if submission.HasContinuation() && p.continuation != nil {
		continuationURL, err := p.continuation.Start(ctx, submission, receipt)
		if err != nil {
			return result, apperr.Classify(err)
		}
		result.ContinuationURL = continuationURL
	}

	if submission.FormSubmissionDraftID != "" && p.drafts != nil {
		if err := p.drafts.DeleteDraft(ctx, submission.FormSubmissionDraftID); err != nil {
			p.logger.Printf("submitflow: could not delete draft %s: %v", submission.FormSubmissionDraftID, err)
		}
	}
	if submission.PreFillFormDataID != "" && p.prefill != nil {
		if err := p.prefill.Remove(ctx, submission.Definition.ID, submission.PreFillFormDataID); err != nil {
			p.logger.Printf("submitflow: could not remove prefill data %s: %v", submission.PreFillFormDataID, err)
		}
	}
	p.logger.Printf("submitflow: form %d accepted as %s", submission.Definition.ID, receipt.SubmissionID)
	return result, nil
}

// prepare uploads attachments and fails unless every one was saved.
func (p *Pipeline) prepare(ctx context.Context, submission forms.FormSubmission, onProgress func(preparation.AttachmentProgress)) (forms.FormSubmission, error) {
	if p.preparer != nil {
		model, err := p.preparer.Prepare(ctx, submission.Definition, submission.Submission, onProgress)
		if err != nil {
			return submission, err
		}
		submission.Submission = model
	}
	summary := preparation.Inspect(submission.Definition, submission.Submission)
	switch {
	case summary.Failed > 0:
		return submission, fmt.Errorf("%w: %d failed", ErrAttachmentsFailed, summary.Failed)
	case !summary.UploadComplete():
		return submission, fmt.Errorf("%w: %d remaining", ErrAttachmentsIncomplete, summary.New)
	}
	return submission, nil
}

// ProcessPendingQueue delivers queued submissions. Each entry is delivered
// under its DeliveryKey.
func (p *Pipeline) ProcessPendingQueue(ctx context.Context) (pending.DrainResult, bool) {
	if p.queue == nil {
		return pending.DrainResult{}, false
	}
	return p.queue.Drain(ctx, queueProcessor{pipeline: p})
}

type queueProcessor struct {
	pipeline *Pipeline
}

func (q queueProcessor) Prepare(ctx context.Context, item forms.PendingFormSubmission, onProgress func(preparation.AttachmentProgress)) (forms.PendingFormSubmission, error) {
	prepared, err := q.pipeline.prepare(ctx, item.FormSubmission, onProgress)
	item.FormSubmission = prepared
	return item, err
}

func (q queueProcessor) Deliver(ctx context.Context, item forms.PendingFormSubmission) error {
	_, err := q.pipeline.deliver(ctx, item.FormSubmission, item.DeliveryKey())
	return err
}

func (p *Pipeline) isOffline() bool {
	return p.connectivity != nil && p.connectivity.IsOffline()
}

package pending

import (
	"context"
	"errors"
	"strings"

	"github.com/aquilax/truncate"

	"github.com/oneblink/formsync/internal/apperr"
	"github.com/oneblink/formsync/internal/forms"
	"github.com/oneblink/formsync/internal/preparation"
)

const maxErrorMessageLength = 500

// Processor delivers one queued submission. Prepare uploads attachments and
// returns the entry to deliver; on failure it may still return the partially
// prepared entry, which is stored with the error. Deliver sends it to the
// server.
type Processor interface {
	Prepare(ctx context.Context, item forms.PendingFormSubmission, onProgress func(preparation.AttachmentProgress)) (forms.PendingFormSubmission, error)
	Deliver(ctx context.Context, item forms.PendingFormSubmission) error
}

type DrainResult struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

func (q *Queue) IsDraining() bool {
	return q.drain.running()
}

// Drain attempts every eligible entry once, oldest first. It returns false
// without doing anything when another drain is already running.
func (q *Queue) Drain(ctx context.Context, processor Processor) (DrainResult, bool) {
	var result DrainResult
	if !q.drain.tryStart() {
		return result, false
	}
	defer q.drain.finish()

	items, err := q.List(ctx)
	if err != nil {
		q.logger.Printf("pending: could not read queue: %v", err)
		return result, true
	}
	if len(items) == 0 {
		return result, true
	}
	q.logger.Printf("pending: processing %d queued submission(s)", len(items))

	for _, listed := range items {
		if ctx.Err() != nil {
			break
		}
		if q.isOffline() {
			q.logger.Printf("pending: offline, stopping with %d submission(s) left", len(items)-result.Attempted-result.Skipped)
			break
		}
		item, ok, err := q.Get(ctx, listed.PendingTimestamp)
		if err != nil {
			q.logger.Printf("pending: could not read %s: %v", listed.PendingTimestamp, err)
			continue
		}
		if !ok || item.IsEditing {
			result.Skipped++
			continue
		}
		if item.RequiresAuthentication() && !q.isLoggedIn() {
			q.logger.Printf("pending: %s requires a signed in user, skipping", item.PendingTimestamp)
			result.Skipped++
			continue
		}

		result.Attempted++
		switch q.process(ctx, processor, item) {
		case outcomeSucceeded:
			result.Succeeded++
		case outcomeFailed:
			result.Failed++
		case outcomeSkipped:
			result.Attempted--
			result.Skipped++
		case outcomeCancelled:
			result.Attempted--
			return result, true
		}
	}
	return result, true
}

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeFailed
	outcomeSkipped
	outcomeCancelled
)

func (q *Queue) process(ctx context.Context, processor Processor, item forms.PendingFormSubmission) outcome {
	q.PublishProgress(ProgressEvent{PendingTimestamp: item.PendingTimestamp, Progress: 0})

	prepared, err := processor.Prepare(ctx, item, func(progress preparation.AttachmentProgress) {
		attachment := progress
		q.PublishProgress(ProgressEvent{
			PendingTimestamp: item.PendingTimestamp,
			Progress:         progress.Progress.Ratio,
			Attachment:       &attachment,
		})
	})
	if err != nil {
		if isCancellation(ctx, err) {
			return outcomeCancelled
		}
		// keep whatever attachments did upload
		model := item.FormSubmission
		if prepared.PendingTimestamp == item.PendingTimestamp {
			model = prepared.FormSubmission
		}
		q.recordFailure(ctx, item.PendingTimestamp, &model, err)
		return outcomeFailed
	}

	started, err := q.beginSubmit(ctx, item.PendingTimestamp, prepared.FormSubmission)
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrEditing):
		q.logger.Printf("pending: %s changed while preparing, leaving it", item.PendingTimestamp)
		return outcomeSkipped
	case err != nil:
		q.logger.Printf("pending: could not mark %s as submitting: %v", item.PendingTimestamp, err)
		return outcomeFailed
	}

	if err := processor.Deliver(ctx, started); err != nil {
		if isCancellation(ctx, err) {
			// the attempt never happened as far as the entry is concerned
			if resetErr := q.endAttempt(context.WithoutCancel(ctx), item.PendingTimestamp, nil, item.Error); resetErr != nil && !errors.Is(resetErr, ErrNotFound) {
				q.logger.Printf("pending: could not reset %s after cancellation: %v", item.PendingTimestamp, resetErr)
			}
			return outcomeCancelled
		}
		q.recordFailure(ctx, item.PendingTimestamp, nil, err)
		return outcomeFailed
	}

	if err := q.Update(ctx, started, ActionSubmitSucceeded); err != nil && !errors.Is(err, ErrNotFound) {
		q.logger.Printf("pending: delivered %s but could not remove it: %v", item.PendingTimestamp, err)
	}
	q.PublishProgress(ProgressEvent{PendingTimestamp: item.PendingTimestamp, Progress: 1})
	q.logger.Printf("pending: delivered %s", item.PendingTimestamp)
	return outcomeSucceeded
}

func (q *Queue) recordFailure(ctx context.Context, pendingTimestamp string, prepared *forms.FormSubmission, cause error) {
	message := ErrorMessage(cause)
	q.logger.Printf("pending: submission %s failed: %s", pendingTimestamp, message)
	if err := q.endAttempt(context.WithoutCancel(ctx), pendingTimestamp, prepared, message); err != nil && !errors.Is(err, ErrNotFound) {
		q.logger.Printf("pending: could not record failure for %s: %v", pendingTimestamp, err)
	}
}

// ErrorMessage is the text stored on a failed entry.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	message := err.Error()
	var appErr *apperr.Error
	if errors.As(err, &appErr) && strings.TrimSpace(appErr.Message) != "" {
		message = appErr.Message
	}
	return truncate.Truncate(message, maxErrorMessageLength, "...", truncate.PositionEnd)
}

func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}

func (q *Queue) isOffline() bool {
	return q.connectivity != nil && q.connectivity.IsOffline()
}

func (q *Queue) isLoggedIn() bool {
	return q.session != nil && q.session.IsLoggedIn()
}

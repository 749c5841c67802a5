// Package pending persists submissions that could not be delivered
// immediately and drives their delivery once the device is back online.
package pending

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oneblink/formsync/internal/apperr"
	"github.com/oneblink/formsync/internal/forms"
	"github.com/oneblink/formsync/internal/kvstore"
	"github.com/oneblink/formsync/internal/logging"
	"github.com/oneblink/formsync/internal/observer"
	"github.com/oneblink/formsync/internal/preparation"
)

// StorageKey holds the whole queue as one array.
const StorageKey = "PENDING_QUEUE_SUBMISSIONS"

type Action string

const (
	ActionAddition        Action = "ADDITION"
	ActionSubmitStarted   Action = "SUBMIT_STARTED"
	ActionSubmitSucceeded Action = "SUBMIT_SUCCEEDED"
	ActionSubmitFailed    Action = "SUBMIT_FAILED"
	ActionEditStarted     Action = "EDIT_STARTED"
	ActionEditCancelled   Action = "EDIT_CANCELLED"
	ActionDeleted         Action = "DELETED"
)

var (
	ErrNotFound   = errors.New("pending submission not found")
	ErrSubmitting = errors.New("pending submission is currently being submitted")
	ErrEditing    = errors.New("pending submission is being edited")
)

type Change struct {
	Items  []forms.PendingFormSubmission `json:"items"`
	Action Action                        `json:"action"`
}

// ProgressEvent reports delivery progress for one queued submission.
// Attachment is set for per-attachment upload progress.
type ProgressEvent struct {
	PendingTimestamp string                          `json:"pendingTimestamp"`
	Progress         float64                         `json:"progress"`
	Attachment       *preparation.AttachmentProgress `json:"attachment,omitempty"`
}

type Connectivity interface {
	IsOffline() bool
}

type Session interface {
	IsLoggedIn() bool
}

type Options struct {
	Connectivity Connectivity
	Session      Session
	Logger       logging.Logger
	Now          func() time.Time
}

type Queue struct {
	store        *kvstore.Store
	connectivity Connectivity
	session      Session
	logger       logging.Logger
	now          func() time.Time

	mu        sync.Mutex
	lastStamp time.Time

	drain drainState

	changes  observer.Registry[Change]
	progress observer.Registry[ProgressEvent]
}

func NewQueue(store *kvstore.Store, opts Options) *Queue {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Queue{
		store:        store,
		connectivity: opts.Connectivity,
		session:      opts.Session,
		logger:       logging.OrDefault(opts.Logger),
		now:          now,
	}
}

// Subscribe registers fn for every queue mutation. Calls are synchronous and
// in registration order.
func (q *Queue) Subscribe(fn func(Change)) func() {
	return q.changes.Subscribe(fn)
}

func (q *Queue) SubscribeProgress(fn func(ProgressEvent)) func() {
	return q.progress.Subscribe(fn)
}

func (q *Queue) PublishProgress(event ProgressEvent) {
	q.progress.Publish(event)
}

func (q *Queue) List(ctx context.Context) ([]forms.PendingFormSubmission, error) {
	items, err := q.load(ctx)
	if err != nil {
		return nil, apperr.Classify(err)
	}
	return items, nil
}

func (q *Queue) Get(ctx context.Context, pendingTimestamp string) (forms.PendingFormSubmission, bool, error) {
	items, err := q.List(ctx)
	if err != nil {
		return forms.PendingFormSubmission{}, false, err
	}
	for _, item := range items {
		if item.PendingTimestamp == pendingTimestamp {
			return item, true, nil
		}
	}
	return forms.PendingFormSubmission{}, false, nil
}

// Enqueue appends submission with a fresh pendingTimestamp.
func (q *Queue) Enqueue(ctx context.Context, submission forms.FormSubmission) (forms.PendingFormSubmission, error) {
	return q.EnqueueWithKey(ctx, submission, "")
}

// EnqueueWithKey is Enqueue for a submission whose delivery was already
// attempted under idempotencyKey, so retries reuse that key.
func (q *Queue) EnqueueWithKey(ctx context.Context, submission forms.FormSubmission, idempotencyKey string) (forms.PendingFormSubmission, error) {
	var added forms.PendingFormSubmission
	err := q.mutate(ctx, ActionAddition, func(items []forms.PendingFormSubmission) ([]forms.PendingFormSubmission, error) {
		added = forms.PendingFormSubmission{
			FormSubmission:   submission,
			PendingTimestamp: q.nextTimestamp(items),
			IdempotencyKey:   idempotencyKey,
		}
		return append(items, added), nil
	})
	if err != nil {
		return forms.PendingFormSubmission{}, err
	}
	q.logger.Printf("pending: queued submission for form %d as %s", submission.Definition.ID, added.PendingTimestamp)
	return added, nil
}

// Update replaces the entry with the same pendingTimestamp. SUBMIT_SUCCEEDED
// and DELETED remove it instead.
func (q *Queue) Update(ctx context.Context, item forms.PendingFormSubmission, action Action) error {
	return q.mutate(ctx, action, func(items []forms.PendingFormSubmission) ([]forms.PendingFormSubmission, error) {
		index := indexOf(items, item.PendingTimestamp)
		if index < 0 {
			return nil, ErrNotFound
		}
		if action == ActionSubmitSucceeded || action == ActionDeleted {
			return append(items[:index], items[index+1:]...), nil
		}
		items[index] = item
		return items, nil
	})
}

func (q *Queue) Delete(ctx context.Context, pendingTimestamp string) error {
	return q.Update(ctx, forms.PendingFormSubmission{PendingTimestamp: pendingTimestamp}, ActionDeleted)
}

// StartEdit marks the entry as being edited so drains leave it alone. It is
// refused while the entry is being submitted.
func (q *Queue) StartEdit(ctx context.Context, pendingTimestamp string) (forms.PendingFormSubmission, error) {
	return q.setEditing(ctx, pendingTimestamp, true, ActionEditStarted)
}

func (q *Queue) CancelEdit(ctx context.Context, pendingTimestamp string) (forms.PendingFormSubmission, error) {
	return q.setEditing(ctx, pendingTimestamp, false, ActionEditCancelled)
}

func (q *Queue) setEditing(ctx context.Context, pendingTimestamp string, editing bool, action Action) (forms.PendingFormSubmission, error) {
	var updated forms.PendingFormSubmission
	err := q.mutate(ctx, action, func(items []forms.PendingFormSubmission) ([]forms.PendingFormSubmission, error) {
		index := indexOf(items, pendingTimestamp)
		if index < 0 {
			return nil, ErrNotFound
		}
		if editing && items[index].IsSubmitting {
			return nil, ErrSubmitting
		}
		items[index].IsEditing = editing
		updated = items[index]
		return items, nil
	})
	return updated, err
}

// beginSubmit marks the stored entry as submitting with the prepared model.
// The entry is re-read under the lock, so an edit that started while the
// attachments uploaded wins and the entry is left alone.
func (q *Queue) beginSubmit(ctx context.Context, pendingTimestamp string, prepared forms.FormSubmission) (forms.PendingFormSubmission, error) {
	var started forms.PendingFormSubmission
	err := q.mutate(ctx, ActionSubmitStarted, func(items []forms.PendingFormSubmission) ([]forms.PendingFormSubmission, error) {
		index := indexOf(items, pendingTimestamp)
		if index < 0 {
			return nil, ErrNotFound
		}
		if items[index].IsEditing {
			return nil, ErrEditing
		}
		items[index].FormSubmission = prepared
		items[index].IsSubmitting = true
		items[index].Error = ""
		started = items[index]
		return items, nil
	})
	return started, err
}

// endAttempt clears isSubmitting on the stored entry and records message.
// prepared, when set, replaces the model unless the entry is being edited.
func (q *Queue) endAttempt(ctx context.Context, pendingTimestamp string, prepared *forms.FormSubmission, message string) error {
	return q.mutate(ctx, ActionSubmitFailed, func(items []forms.PendingFormSubmission) ([]forms.PendingFormSubmission, error) {
		index := indexOf(items, pendingTimestamp)
		if index < 0 {
			return nil, ErrNotFound
		}
		if prepared != nil && !items[index].IsEditing {
			items[index].FormSubmission = *prepared
		}
		items[index].IsSubmitting = false
		items[index].Error = message
		return items, nil
	})
}

// mutate runs one read-modify-write cycle and notifies listeners after the
// lock is released so they may read the queue.
func (q *Queue) mutate(ctx context.Context, action Action, fn func([]forms.PendingFormSubmission) ([]forms.PendingFormSubmission, error)) error {
	q.mu.Lock()
	items, err := q.load(ctx)
	if err != nil {
		q.mu.Unlock()
		return apperr.Classify(err)
	}
	items, err = fn(items)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	items = dedupe(items)
	if err := q.store.Set(ctx, StorageKey, items); err != nil {
		q.mu.Unlock()
		return apperr.Classify(err)
	}
	q.mu.Unlock()

	q.changes.Publish(Change{Items: cloneItems(items), Action: action})
	return nil
}

func (q *Queue) load(ctx context.Context) ([]forms.PendingFormSubmission, error) {
	var items []forms.PendingFormSubmission
	if _, err := q.store.GetJSON(ctx, StorageKey, &items); err != nil {
		return nil, err
	}
	if items == nil {
		items = []forms.PendingFormSubmission{}
	}
	return dedupe(items), nil
}

// nextTimestamp returns a timestamp later than any this queue has issued and
// not used by any stored entry.
func (q *Queue) nextTimestamp(items []forms.PendingFormSubmission) string {
	stamp := q.now().UTC().Truncate(time.Millisecond)
	if !stamp.After(q.lastStamp) {
		stamp = q.lastStamp.Add(time.Millisecond)
	}
	for indexOf(items, forms.FormatTimestamp(stamp)) >= 0 {
		stamp = stamp.Add(time.Millisecond)
	}
	q.lastStamp = stamp
	return forms.FormatTimestamp(stamp)
}

func indexOf(items []forms.PendingFormSubmission, pendingTimestamp string) int {
	for i, item := range items {
		if item.PendingTimestamp == pendingTimestamp {
			return i
		}
	}
	return -1
}

// dedupe keeps the first position and the last value for each
// pendingTimestamp.
func dedupe(items []forms.PendingFormSubmission) []forms.PendingFormSubmission {
	seen := make(map[string]int, len(items))
	out := make([]forms.PendingFormSubmission, 0, len(items))
	for _, item := range items {
		if index, ok := seen[item.PendingTimestamp]; ok {
			out[index] = item
			continue
		}
		seen[item.PendingTimestamp] = len(out)
		out = append(out, item)
	}
	return out
}

func cloneItems(items []forms.PendingFormSubmission) []forms.PendingFormSubmission {
	return append([]forms.PendingFormSubmission(nil), items...)
}

type drainState struct {
	v atomic.Int32
}

const (
	drainIdle int32 = iota
	drainRunning
)

func (s *drainState) tryStart() bool { return s.v.CompareAndSwap(drainIdle, drainRunning) }
func (s *drainState) finish()        { s.v.Store(drainIdle) }
func (s *drainState) running() bool  { return s.v.Load() == drainRunning }

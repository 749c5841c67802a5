// Package forms holds the form definition and submission types shared by the
// queue, draft store and transport.
package forms

type ElementType string

const (
	ElementPage          ElementType = "page"
	ElementSection       ElementType = "section"
	ElementForm          ElementType = "form"
	ElementRepeatableSet ElementType = "repeatableSet"
	ElementCamera        ElementType = "camera"
	ElementDraw          ElementType = "draw"
	ElementFiles         ElementType = "files"
	ElementCompliance    ElementType = "compliance"
	ElementArcGISWebMap  ElementType = "arcGISWebMap"
	ElementText          ElementType = "text"
)

type Element struct {
	ID          string      `json:"id"`
	Name        string      `json:"name,omitempty"`
	Label       string      `json:"label,omitempty"`
	Type        ElementType `json:"type"`
	StorageType string      `json:"storageType,omitempty"`
	Elements    []Element   `json:"elements,omitempty"`
}

// PrivateStorage reports whether uploads for this element must not be
// publicly readable.
func (e Element) PrivateStorage() bool {
	return e.StorageType == "private"
}

type EndpointConfig struct {
	URL string `json:"url"`
}

type Form struct {
	ID                   int64           `json:"id"`
	Name                 string          `json:"name"`
	FormsAppIDs          []int64         `json:"formsAppIds,omitempty"`
	IsAuthenticated      bool            `json:"isAuthenticated,omitempty"`
	Elements             []Element       `json:"elements"`
	ServerValidation     *EndpointConfig `json:"serverValidation,omitempty"`
	ExternalIDGeneration *EndpointConfig `json:"externalIdGenerationOnSubmit,omitempty"`
}

// SubmissionEvent is a payment or scheduling step that needs a live redirect
// after the submission is accepted.
type SubmissionEvent struct {
	Type          string         `json:"type"`
	Configuration map[string]any `json:"configuration,omitempty"`
}

type FormSubmission struct {
	FormsAppID                int64            `json:"formsAppId"`
	Definition                Form             `json:"definition"`
	Submission                map[string]any   `json:"submission"`
	ExternalID                string           `json:"externalId,omitempty"`
	JobID                     string           `json:"jobId,omitempty"`
	FormSubmissionDraftID     string           `json:"formSubmissionDraftId,omitempty"`
	PreFillFormDataID         string           `json:"preFillFormDataId,omitempty"`
	PaymentSubmissionEvent    *SubmissionEvent `json:"paymentSubmissionEvent,omitempty"`
	SchedulingSubmissionEvent *SubmissionEvent `json:"schedulingSubmissionEvent,omitempty"`
}

func (s FormSubmission) HasContinuation() bool {
	return s.PaymentSubmissionEvent != nil || s.SchedulingSubmissionEvent != nil
}

func (s FormSubmission) RequiresAuthentication() bool {
	return s.Definition.IsAuthenticated
}

type PendingFormSubmission struct {
	FormSubmission
	PendingTimestamp string `json:"pendingTimestamp"`
	IsSubmitting     bool   `json:"isSubmitting,omitempty"`
	IsEditing        bool   `json:"isEditing,omitempty"`
	Error            string `json:"error,omitempty"`
	// IdempotencyKey is set when an earlier direct attempt may have reached
	// the server under that key.
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// DeliveryKey is the idempotency key every delivery attempt of the entry
// uses.
func (p PendingFormSubmission) DeliveryKey() string {
	if p.IdempotencyKey != "" {
		return p.IdempotencyKey
	}
	return p.PendingTimestamp
}

type SubmissionResult struct {
	FormSubmission
	SubmissionID           string `json:"submissionId,omitempty"`
	SubmissionTimestamp    string `json:"submissionTimestamp,omitempty"`
	IsOffline              bool   `json:"isOffline"`
	IsInPendingQueue       bool   `json:"isInPendingQueue"`
	IsUploadingAttachments bool   `json:"isUploadingAttachments"`
	ContinuationURL        string `json:"continuationUrl,omitempty"`
}

// SubmissionReceipt is what the server returns for an accepted submission.
type SubmissionReceipt struct {
	SubmissionID        string `json:"submissionId"`
	SubmissionTimestamp string `json:"submissionTimestamp"`
}

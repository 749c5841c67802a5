package forms

import "sort"

type DraftSubmission struct {
	FormSubmission
	CreatedAt string `json:"createdAt"`
	Title     string `json:"title,omitempty"`
}

type FormSubmissionDraftVersion struct {
	ID                    string `json:"id"`
	FormSubmissionDraftID string `json:"formSubmissionDraftId"`
	CreatedAt             string `json:"createdAt"`
	ExternalID            string `json:"externalId,omitempty"`
	Title                 string `json:"title,omitempty"`
}

// FormSubmissionDraft is the server's metadata for a draft; content lives in
// its versions.
type FormSubmissionDraft struct {
	ID         string                       `json:"id"`
	FormID     int64                        `json:"formId"`
	FormsAppID int64                        `json:"formsAppId"`
	ExternalID string                       `json:"externalId,omitempty"`
	JobID      string                       `json:"jobId,omitempty"`
	Title      string                       `json:"title,omitempty"`
	Versions   []FormSubmissionDraftVersion `json:"versions,omitempty"`
}

// LatestVersion returns the version with the greatest createdAt.
func (d FormSubmissionDraft) LatestVersion() (FormSubmissionDraftVersion, bool) {
	if len(d.Versions) == 0 {
		return FormSubmissionDraftVersion{}, false
	}
	latest := d.Versions[0]
	for _, version := range d.Versions[1:] {
		if CompareTimestamps(version.CreatedAt, latest.CreatedAt) > 0 {
			latest = version
		}
	}
	return latest, true
}

// LocalFormSubmissionDraft is an entry in the user-facing draft list.
type LocalFormSubmissionDraft struct {
	FormSubmissionDraftID string `json:"formSubmissionDraftId"`
	FormID                int64  `json:"formId"`
	FormsAppID            int64  `json:"formsAppId"`
	ExternalID            string `json:"externalId,omitempty"`
	JobID                 string `json:"jobId,omitempty"`
	Title                 string `json:"title,omitempty"`
	CreatedAt             string `json:"createdAt"`
	IsSynced              bool   `json:"isSynced"`
}

func SortDraftsByCreatedAt(drafts []LocalFormSubmissionDraft) {
	sort.SliceStable(drafts, func(i, j int) bool {
		return CompareTimestamps(drafts[i].CreatedAt, drafts[j].CreatedAt) < 0
	})
}

type LocalDraftsStorage struct {
	UnsyncedDraftSubmissions    []DraftSubmission     `json:"unsyncedDraftSubmissions"`
	SyncedFormSubmissionDrafts  []FormSubmissionDraft `json:"syncedFormSubmissionDrafts"`
	DeletedFormSubmissionDrafts []FormSubmissionDraft `json:"deletedFormSubmissionDrafts"`
}

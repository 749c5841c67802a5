// Package attachments models form attachments and uploads their data to
// durable storage.
package attachments

import (
	"encoding/json"

	"github.com/google/uuid"
)

type Kind string

const (
	KindNew   Kind = "new"
	KindError Kind = "error"
	KindSaved Kind = "saved"
)

type StorageLocation struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Region string `json:"region"`
}

// Saved is a durable reference to uploaded attachment data.
type Saved struct {
	ID          string          `json:"id"`
	URL         string          `json:"url"`
	ContentType string          `json:"contentType"`
	FileName    string          `json:"fileName"`
	IsPrivate   bool            `json:"isPrivate"`
	S3          StorageLocation `json:"s3"`
	UploadedAt  string          `json:"uploadedAt,omitempty"`
}

// Attachment is a tagged variant. Kind decides which fields are meaningful:
// new carries Data, error carries ErrorMessage, saved carries Saved.
type Attachment struct {
	Kind         Kind   `json:"kind"`
	LocalID      string `json:"_id,omitempty"`
	FileName     string `json:"fileName"`
	ContentType  string `json:"contentType,omitempty"`
	IsPrivate    bool   `json:"isPrivate"`
	Data         []byte `json:"data,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	Saved        *Saved `json:"saved,omitempty"`
}

func NewLocal(fileName, contentType string, data []byte, isPrivate bool) Attachment {
	return Attachment{
		Kind:        KindNew,
		LocalID:     uuid.NewString(),
		FileName:    fileName,
		ContentType: contentType,
		IsPrivate:   isPrivate,
		Data:        data,
	}
}

func (a Attachment) Failed(message string) Attachment {
	return Attachment{
		Kind:         KindError,
		LocalID:      a.LocalID,
		FileName:     a.FileName,
		ContentType:  a.ContentType,
		IsPrivate:    a.IsPrivate,
		ErrorMessage: message,
	}
}

// Stored drops the local blob and keeps only the durable reference.
func (a Attachment) Stored(saved Saved) Attachment {
	return Attachment{
		Kind:        KindSaved,
		LocalID:     a.LocalID,
		FileName:    saved.FileName,
		ContentType: saved.ContentType,
		IsPrivate:   saved.IsPrivate,
		Saved:       &saved,
	}
}

func (a Attachment) IsNew() bool   { return a.Kind == KindNew }
func (a Attachment) IsSaved() bool { return a.Kind == KindSaved }
func (a Attachment) IsError() bool { return a.Kind == KindError }

// Value encodes the attachment into the generic form used in submission
// models.
func (a Attachment) Value() map[string]any {
	data, err := json.Marshal(a)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// Decode reads an attachment out of a submission model value. Values without
// a known kind tag are not attachments.
func Decode(value any) (Attachment, bool) {
	var attachment Attachment
	switch typed := value.(type) {
	case Attachment:
		attachment = typed
	case *Attachment:
		if typed == nil {
			return Attachment{}, false
		}
		attachment = *typed
	case map[string]any:
		kind, _ := typed["kind"].(string)
		switch Kind(kind) {
		case KindNew, KindError, KindSaved:
		default:
			return Attachment{}, false
		}
		data, err := json.Marshal(typed)
		if err != nil {
			return Attachment{}, false
		}
		if err := json.Unmarshal(data, &attachment); err != nil {
			return Attachment{}, false
		}
	default:
		return Attachment{}, false
	}
	switch attachment.Kind {
	case KindNew, KindError, KindSaved:
		return attachment, true
	default:
		return Attachment{}, false
	}
}

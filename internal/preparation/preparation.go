// Package preparation replaces unsaved attachments in a submission model with
// durable references before delivery.
package preparation

import (
	"context"
	"errors"
	"net/http"

	"github.com/oneblink/formsync/internal/apperr"
	"github.com/oneblink/formsync/internal/attachments"
	"github.com/oneblink/formsync/internal/forms"
	"github.com/oneblink/formsync/internal/logging"
)

const unreadableMessage = "The attachment data could not be read and was not uploaded."

type AttachmentProgress struct {
	LocalID  string               `json:"attachmentId"`
	FileName string               `json:"fileName"`
	Progress attachments.Progress `json:"progress"`
}

// Summary counts attachments in a model by kind.
type Summary struct {
	New    int
	Failed int
	Saved  int
}

func (s Summary) UploadComplete() bool { return s.New == 0 }

type Options struct {
	Uploader attachments.Uploader
	Logger   logging.Logger
}

type Preparer struct {
	uploader attachments.Uploader
	logger   logging.Logger
}

func New(opts Options) *Preparer {
	return &Preparer{uploader: opts.Uploader, logger: logging.OrDefault(opts.Logger)}
}

// Prepare uploads every new attachment found in model and returns a copy with
// each one replaced by its saved reference, or by an error entry when the
// upload cannot succeed. Attachments that are already saved or failed pass
// through, so preparing twice equals preparing once. Only cancellation is
// returned as an error, and then model is left as it was.
func (p *Preparer) Prepare(ctx context.Context, form forms.Form, model map[string]any, onProgress func(AttachmentProgress)) (map[string]any, error) {
	if model == nil {
		return nil, nil
	}
	prepared, _ := cloneValue(model).(map[string]any)
	if err := p.walk(ctx, form.ID, form.Elements, prepared, onProgress); err != nil {
		return nil, err
	}
	return prepared, nil
}

func (p *Preparer) walk(ctx context.Context, formID int64, elements []forms.Element, model map[string]any, onProgress func(AttachmentProgress)) error {
	for _, element := range elements {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch element.Type {
		case forms.ElementPage, forms.ElementSection:
			if err := p.walk(ctx, formID, element.Elements, model, onProgress); err != nil {
				return err
			}
		case forms.ElementForm:
			if nested, ok := model[element.Name].(map[string]any); ok {
				if err := p.walk(ctx, formID, element.Elements, nested, onProgress); err != nil {
					return err
				}
			}
		case forms.ElementRepeatableSet:
			entries, _ := model[element.Name].([]any)
			for _, entry := range entries {
				if nested, ok := entry.(map[string]any); ok {
					if err := p.walk(ctx, formID, element.Elements, nested, onProgress); err != nil {
						return err
					}
				}
			}
		case forms.ElementCamera, forms.ElementDraw:
			value, err := p.prepareOne(ctx, formID, element, model[element.Name], onProgress)
			if err != nil {
				return err
			}
			if _, present := model[element.Name]; present {
				model[element.Name] = value
			}
		case forms.ElementFiles:
			if err := p.prepareList(ctx, formID, element, model, element.Name, onProgress); err != nil {
				return err
			}
		case forms.ElementCompliance:
			if nested, ok := model[element.Name].(map[string]any); ok {
				if err := p.prepareList(ctx, formID, element, nested, "files", onProgress); err != nil {
					return err
				}
			}
		case forms.ElementArcGISWebMap:
			if nested, ok := model[element.Name].(map[string]any); ok {
				if err := p.prepareList(ctx, formID, element, nested, "snapshotImages", onProgress); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (p *Preparer) prepareList(ctx context.Context, formID int64, element forms.Element, container map[string]any, field string, onProgress func(AttachmentProgress)) error {
	items, ok := container[field].([]any)
	if !ok {
		return nil
	}
	for i, item := range items {
		value, err := p.prepareOne(ctx, formID, element, item, onProgress)
		if err != nil {
			return err
		}
		items[i] = value
	}
	return nil
}

func (p *Preparer) prepareOne(ctx context.Context, formID int64, element forms.Element, value any, onProgress func(AttachmentProgress)) (any, error) {
	attachment, ok := attachments.Decode(value)
	if !ok || !attachment.IsNew() {
		return value, nil
	}
	if len(attachment.Data) == 0 {
		p.logger.Printf("preparation: attachment %s (%s) has no readable data", attachment.LocalID, attachment.FileName)
		return attachment.Failed(unreadableMessage).Value(), nil
	}
	if p.uploader == nil {
		return value, nil
	}

	var report func(attachments.Progress)
	if onProgress != nil {
		report = func(progress attachments.Progress) {
			onProgress(AttachmentProgress{LocalID: attachment.LocalID, FileName: attachment.FileName, Progress: progress})
		}
	}
	saved, err := p.uploader.Upload(ctx, attachments.UploadRequest{
		FormID:      formID,
		FileName:    attachment.FileName,
		ContentType: attachment.ContentType,
		IsPrivate:   attachment.IsPrivate || element.PrivateStorage(),
		Data:        attachment.Data,
		OnProgress:  report,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if retryable(err) {
			p.logger.Printf("preparation: upload of %s will be retried: %v", attachment.FileName, err)
			return value, nil
		}
		p.logger.Printf("preparation: upload of %s failed: %v", attachment.FileName, err)
		return attachment.Failed(err.Error()).Value(), nil
	}
	return attachment.Stored(saved).Value(), nil
}

// retryable keeps the blob for the next attempt when the failure says
// nothing about the attachment itself.
func retryable(err error) bool {
	var storageErr *attachments.StorageError
	if errors.As(err, &storageErr) {
		return storageErr.StatusCode == http.StatusTooManyRequests || storageErr.StatusCode >= 500 ||
			storageErr.StatusCode == http.StatusUnauthorized
	}
	return apperr.IsOffline(err)
}

// Inspect counts attachments by kind without modifying model.
func Inspect(form forms.Form, model map[string]any) Summary {
	var summary Summary
	inspect(form.Elements, model, &summary)
	return summary
}

func inspect(elements []forms.Element, model map[string]any, summary *Summary) {
	count := func(value any) {
		attachment, ok := attachments.Decode(value)
		if !ok {
			return
		}
		switch attachment.Kind {
		case attachments.KindNew:
			summary.New++
		case attachments.KindError:
			summary.Failed++
		case attachments.KindSaved:
			summary.Saved++
		}
	}
	countList := func(container map[string]any, field string) {
		items, _ := container[field].([]any)
		for _, item := range items {
			count(item)
		}
	}
	for _, element := range elements {
		switch element.Type {
		case forms.ElementPage, forms.ElementSection:
			inspect(element.Elements, model, summary)
		case forms.ElementForm:
			if nested, ok := model[element.Name].(map[string]any); ok {
				inspect(element.Elements, nested, summary)
			}
		case forms.ElementRepeatableSet:
			entries, _ := model[element.Name].([]any)
			for _, entry := range entries {
				if nested, ok := entry.(map[string]any); ok {
					inspect(element.Elements, nested, summary)
				}
			}
		case forms.ElementCamera, forms.ElementDraw:
			count(model[element.Name])
		case forms.ElementFiles:
			countList(model, element.Name)
		case forms.ElementCompliance:
			if nested, ok := model[element.Name].(map[string]any); ok {
				countList(nested, "files")
			}
		case forms.ElementArcGISWebMap:
			if nested, ok := model[element.Name].(map[string]any); ok {
				countList(nested, "snapshotImages")
			}
		}
	}
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, child := range typed {
			out[key] = cloneValue(child)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, child := range typed {
			out[i] = cloneValue(child)
		}
		return out
	default:
		return value
	}
}

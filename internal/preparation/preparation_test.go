package preparation

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/oneblink/formsync/internal/attachments"
	"github.com/oneblink/formsync/internal/forms"
)

type fakeUploader struct {
	mu      sync.Mutex
	calls   []attachments.UploadRequest
	failFor map[string]error
	block   bool
}

func (f *fakeUploader) Upload(ctx context.Context, req attachments.UploadRequest) (attachments.Saved, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return attachments.Saved{}, ctx.Err()
	}
	if err := f.failFor[req.FileName]; err != nil {
		return attachments.Saved{}, err
	}
	if req.OnProgress != nil {
		req.OnProgress(attachments.Progress{Loaded: int64(len(req.Data)), Total: int64(len(req.Data)), Ratio: 1})
	}
	return attachments.Saved{
		ID:          "saved-" + req.FileName,
		FileName:    req.FileName,
		ContentType: "image/png",
		IsPrivate:   req.IsPrivate,
	}, nil
}

func (f *fakeUploader) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testForm() forms.Form {
	return forms.Form{
		ID: 7,
		Elements: []forms.Element{
			{Type: forms.ElementPage, Elements: []forms.Element{
				{Type: forms.ElementSection, Elements: []forms.Element{
					{Name: "photo", Type: forms.ElementCamera, StorageType: "private"},
				}},
				{Name: "documents", Type: forms.ElementFiles},
			}},
			{Name: "checks", Type: forms.ElementCompliance},
			{Name: "visits", Type: forms.ElementRepeatableSet, Elements: []forms.Element{
				{Name: "signature", Type: forms.ElementDraw},
			}},
			{Name: "site", Type: forms.ElementForm, Elements: []forms.Element{
				{Name: "map", Type: forms.ElementArcGISWebMap},
			}},
			{Name: "notes", Type: forms.ElementText},
		},
	}
}

func local(name string) map[string]any {
	a := attachments.NewLocal(name, "", []byte("data-"+name), false)
	a.LocalID = "id-" + name
	return a.Value()
}

func testModel() map[string]any {
	saved := attachments.Attachment{Kind: attachments.KindNew, LocalID: "id-old.png"}.Stored(attachments.Saved{ID: "existing", FileName: "old.png"})
	return map[string]any{
		"photo":     local("photo.png"),
		"documents": []any{local("a.pdf"), saved.Value()},
		"checks":    map[string]any{"value": "yes", "files": []any{local("check.png")}},
		"visits": []any{
			map[string]any{"signature": local("sig1.png")},
			map[string]any{"signature": local("sig2.png")},
		},
		"site":  map[string]any{"map": map[string]any{"snapshotImages": []any{local("snap.png")}}},
		"notes": "untouched",
	}
}

func TestPrepareUploadsEveryNestedAttachment(t *testing.T) {
	uploader := &fakeUploader{}
	preparer := New(Options{Uploader: uploader})
	model := testModel()

	var progress []AttachmentProgress
	prepared, err := preparer.Prepare(context.Background(), testForm(), model, func(p AttachmentProgress) {
		progress = append(progress, p)
	})
	if err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	if uploader.callCount() != 6 {
		t.Fatalf("expected 6 uploads, got %d", uploader.callCount())
	}
	if len(progress) != 6 {
		t.Fatalf("expected progress for each upload, got %d", len(progress))
	}
	summary := Inspect(testForm(), prepared)
	if !summary.UploadComplete() || summary.Saved != 7 || summary.Failed != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	photo, _ := attachments.Decode(prepared["photo"])
	if !photo.IsSaved() || !photo.IsPrivate || photo.LocalID != "id-photo.png" || photo.Data != nil {
		t.Fatalf("unexpected prepared photo %+v", photo)
	}
	if prepared["notes"] != "untouched" {
		t.Fatalf("non attachment values must pass through")
	}
	if before := Inspect(testForm(), model); before.New != 6 {
		t.Fatalf("input model must not be modified, summary %+v", before)
	}
}

func TestPrepareIsIdempotent(t *testing.T) {
	uploader := &fakeUploader{}
	preparer := New(Options{Uploader: uploader})

	once, err := preparer.Prepare(context.Background(), testForm(), testModel(), nil)
	if err != nil {
		t.Fatalf("first prepare failed: %v", err)
	}
	calls := uploader.callCount()
	twice, err := preparer.Prepare(context.Background(), testForm(), once, nil)
	if err != nil {
		t.Fatalf("second prepare failed: %v", err)
	}
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("second prepare changed the model")
	}
	if uploader.callCount() != calls {
		t.Fatalf("second prepare uploaded again")
	}
}

func TestPrepareRecordsFailuresInModel(t *testing.T) {
	uploader := &fakeUploader{failFor: map[string]error{
		"a.pdf":     &attachments.StorageError{StatusCode: 400, Message: "bad file"},
		"check.png": &attachments.StorageError{StatusCode: 503, Message: "try later"},
	}}
	preparer := New(Options{Uploader: uploader})
	model := testModel()
	model["photo"] = attachments.Attachment{Kind: attachments.KindNew, LocalID: "empty", FileName: "empty.png"}.Value()

	prepared, err := preparer.Prepare(context.Background(), testForm(), model, nil)
	if err != nil {
		t.Fatalf("prepare must not fail for attachment errors: %v", err)
	}
	photo, _ := attachments.Decode(prepared["photo"])
	if !photo.IsError() || photo.ErrorMessage == "" {
		t.Fatalf("expected unreadable attachment to become an error entry, got %+v", photo)
	}
	doc, _ := attachments.Decode(prepared["documents"].([]any)[0])
	if !doc.IsError() || doc.ErrorMessage == "" {
		t.Fatalf("expected rejected upload to become an error entry, got %+v", doc)
	}
	check, _ := attachments.Decode(prepared["checks"].(map[string]any)["files"].([]any)[0])
	if !check.IsNew() || len(check.Data) == 0 {
		t.Fatalf("expected transient failure to keep the placeholder, got %+v", check)
	}
	summary := Inspect(testForm(), prepared)
	if summary.UploadComplete() || summary.Failed != 2 || summary.New != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestPrepareCancellationLeavesModelUnchanged(t *testing.T) {
	uploader := &fakeUploader{block: true}
	preparer := New(Options{Uploader: uploader})
	model := testModel()
	snapshot := testModel()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := preparer.Prepare(ctx, testForm(), model, nil)
		done <- err
	}()
	for uploader.callCount() == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation error, got %v", err)
	}
	if !reflect.DeepEqual(model, snapshot) {
		t.Fatalf("cancelled prepare modified the model")
	}
}

package attachments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type staticToken string

func (s staticToken) BearerToken(context.Context) (string, error) { return string(s), nil }

func TestHTTPUploaderUploadsAndReportsProgress(t *testing.T) {
	var gotContentType, gotAuth, gotName, gotPrivate string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/forms/42/attachments" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotContentType = r.Header.Get("Content-Type")
		gotAuth = r.Header.Get("Authorization")
		gotName = r.Header.Get("X-Oneblink-File-Name")
		gotPrivate = r.Header.Get("X-Oneblink-Is-Private")
		gotBody, _ = io.ReadAll(r.Body)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":  "att-1",
			"url": "https://files.example/att-1",
			"s3":  map[string]any{"bucket": "b", "key": "k"},
		})
	}))
	defer server.Close()

	uploader := NewHTTPUploader(HTTPUploaderOptions{
		APIOrigin: server.URL + "/",
		Region:    "ap-southeast-2",
		Tokens:    staticToken("tok"),
	})
	png := append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 4096)...)
	var reports []Progress
	saved, err := uploader.Upload(context.Background(), UploadRequest{
		FormID:     42,
		FileName:   "photo one.png",
		IsPrivate:  true,
		Data:       png,
		OnProgress: func(p Progress) { reports = append(reports, p) },
	})
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	if gotContentType != "image/png" {
		t.Fatalf("expected sniffed image/png, got %q", gotContentType)
	}
	if gotAuth != "Bearer tok" || gotName != "photo+one.png" || gotPrivate != "true" {
		t.Fatalf("unexpected headers auth=%q name=%q private=%q", gotAuth, gotName, gotPrivate)
	}
	if !bytes.Equal(gotBody, png) {
		t.Fatalf("server received %d bytes, want %d", len(gotBody), len(png))
	}
	if saved.ID != "att-1" || saved.S3.Region != "ap-southeast-2" || saved.ContentType != "image/png" || !saved.IsPrivate {
		t.Fatalf("unexpected saved reference %+v", saved)
	}

	if len(reports) == 0 {
		t.Fatalf("expected progress reports")
	}
	for i := 1; i < len(reports); i++ {
		if reports[i].Ratio < reports[i-1].Ratio {
			t.Fatalf("progress went backwards: %+v", reports)
		}
	}
	if last := reports[len(reports)-1]; last.Ratio != 1 {
		t.Fatalf("expected final progress of 1, got %+v", last)
	}
}

func TestHTTPUploaderReturnsTypedStorageErrors(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusBadGateway} {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"message":"nope"}`))
		}))
		uploader := NewHTTPUploader(HTTPUploaderOptions{APIOrigin: server.URL})
		_, err := uploader.Upload(context.Background(), UploadRequest{FormID: 1, FileName: "a.txt", Data: []byte("hi")})
		server.Close()

		var storageErr *StorageError
		if !errors.As(err, &storageErr) || storageErr.StatusCode != status || storageErr.Message != "nope" {
			t.Fatalf("status %d: unexpected error %v", status, err)
		}
		if IsUnauthorised(err) != (status == http.StatusUnauthorized) ||
			IsForbidden(err) != (status == http.StatusForbidden) ||
			IsNotFound(err) != (status == http.StatusNotFound) {
			t.Fatalf("status %d: helper mismatch", status)
		}
	}
}

func TestHTTPUploaderCancellationReturnsContextError(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	uploader := NewHTTPUploader(HTTPUploaderOptions{APIOrigin: server.URL})
	_, err := uploader.Upload(ctx, UploadRequest{FormID: 1, FileName: "a.bin", Data: []byte("data")})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestDetectContentTypeFallsBack(t *testing.T) {
	if got := DetectContentType(nil); got != "application/octet-stream" {
		t.Fatalf("expected octet-stream for empty data, got %q", got)
	}
	if got := DetectContentType([]byte("%PDF-1.7\n")); got != "application/pdf" {
		t.Fatalf("expected application/pdf, got %q", got)
	}
	if got := DetectContentType([]byte("plain words")); !strings.HasPrefix(got, "text/plain") {
		t.Fatalf("expected text/plain, got %q", got)
	}
}

func TestDecodeRequiresKnownKind(t *testing.T) {
	local := NewLocal("a.txt", "text/plain", []byte("hi"), false)
	decoded, ok := Decode(local.Value())
	if !ok || !decoded.IsNew() || string(decoded.Data) != "hi" || decoded.LocalID != local.LocalID {
		t.Fatalf("unexpected decode %+v", decoded)
	}
	if _, ok := Decode(map[string]any{"fileName": "x", "_id": "1", "type": "image/png"}); ok {
		t.Fatalf("untagged values must not be treated as attachments")
	}
	saved := local.Stored(Saved{ID: "s1", FileName: "a.txt", ContentType: "text/plain"})
	if saved.Data != nil || !saved.IsSaved() || saved.Saved.ID != "s1" {
		t.Fatalf("saved attachment must drop the blob: %+v", saved)
	}
	failed := local.Failed("boom")
	if !failed.IsError() || failed.ErrorMessage != "boom" || failed.Data != nil {
		t.Fatalf("unexpected failed attachment %+v", failed)
	}
}

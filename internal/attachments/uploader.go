package attachments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

const fallbackContentType = "application/octet-stream"

type TokenSource interface {
	BearerToken(ctx context.Context) (string, error)
}

type Progress struct {
	Loaded int64   `json:"loaded"`
	Total  int64   `json:"total"`
	Ratio  float64 `json:"progress"`
}

type UploadRequest struct {
	FormID      int64
	FileName    string
	ContentType string
	IsPrivate   bool
	Data        []byte
	OnProgress  func(Progress)
}

type Uploader interface {
	Upload(ctx context.Context, req UploadRequest) (Saved, error)
}

// StorageError is a failed upload with the status the storage API answered.
type StorageError struct {
	StatusCode int
	Message    string
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("attachment upload failed (%d): %s", e.StatusCode, e.Message)
}

func (e *StorageError) HTTPStatusCode() int { return e.StatusCode }

func IsUnauthorised(err error) bool { return storageStatus(err) == http.StatusUnauthorized }
func IsForbidden(err error) bool    { return storageStatus(err) == http.StatusForbidden }
func IsNotFound(err error) bool     { return storageStatus(err) == http.StatusNotFound }

func storageStatus(err error) int {
	var storageErr *StorageError
	if errors.As(err, &storageErr) {
		return storageErr.StatusCode
	}
	return 0
}

// DetectContentType classifies data by its leading bytes.
func DetectContentType(data []byte) string {
	if len(data) == 0 {
		return fallbackContentType
	}
	detected := mimetype.Detect(data)
	if detected == nil || detected.String() == "" {
		return fallbackContentType
	}
	return detected.String()
}

type HTTPUploaderOptions struct {
	APIOrigin  string
	Region     string
	Tokens     TokenSource
	HTTPClient *http.Client
}

type HTTPUploader struct {
	apiOrigin  string
	region     string
	tokens     TokenSource
	httpClient *http.Client
	now        func() time.Time
}

func NewHTTPUploader(opts HTTPUploaderOptions) *HTTPUploader {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return &HTTPUploader{
		apiOrigin:  strings.TrimRight(strings.TrimSpace(opts.APIOrigin), "/"),
		region:     strings.TrimSpace(opts.Region),
		tokens:     opts.Tokens,
		httpClient: httpClient,
		now:        time.Now,
	}
}

type uploadResponse struct {
	ID  string          `json:"id"`
	URL string          `json:"url"`
	S3  StorageLocation `json:"s3"`
}

func (u *HTTPUploader) Upload(ctx context.Context, req UploadRequest) (Saved, error) {
	contentType := strings.TrimSpace(req.ContentType)
	if contentType == "" {
		contentType = DetectContentType(req.Data)
	}
	total := int64(len(req.Data))
	body := &progressReader{reader: bytes.NewReader(req.Data), total: total, report: req.OnProgress}

	endpoint := fmt.Sprintf("%s/forms/%d/attachments", u.apiOrigin, req.FormID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return Saved{}, err
	}
	httpReq.ContentLength = total
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("X-Oneblink-File-Name", url.QueryEscape(req.FileName))
	httpReq.Header.Set("X-Oneblink-Is-Private", strconv.FormatBool(req.IsPrivate))
	httpReq.Header.Set("X-Correlation-Id", uuid.NewString())
	if u.region != "" {
		httpReq.Header.Set("X-Oneblink-Region", u.region)
	}
	if u.tokens != nil {
		token, err := u.tokens.BearerToken(ctx)
		if err != nil {
			return Saved{}, err
		}
		if token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := u.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Saved{}, ctxErr
		}
		return Saved{}, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Saved{}, ctxErr
		}
		return Saved{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errPayload struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		if errPayload.Message == "" {
			errPayload.Message = http.StatusText(resp.StatusCode)
		}
		return Saved{}, &StorageError{StatusCode: resp.StatusCode, Message: errPayload.Message}
	}
	if err := ctx.Err(); err != nil {
		return Saved{}, err
	}

	var decoded uploadResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return Saved{}, &StorageError{StatusCode: resp.StatusCode, Message: "invalid upload response: " + err.Error()}
	}
	if decoded.S3.Region == "" {
		decoded.S3.Region = u.region
	}
	body.finish()
	return Saved{
		ID:          decoded.ID,
		URL:         decoded.URL,
		ContentType: contentType,
		FileName:    req.FileName,
		IsPrivate:   req.IsPrivate,
		S3:          decoded.S3,
		UploadedAt:  u.now().UTC().Format(time.RFC3339),
	}, nil
}

// progressReader reports how much of the body has been handed to the
// transport. Reports never go backwards even if the transport rewinds.
type progressReader struct {
	reader *bytes.Reader
	total  int64
	report func(Progress)

	mu       sync.Mutex
	loaded   int64
	reported int64
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 {
		r.mu.Lock()
		r.loaded += int64(n)
		loaded := r.loaded
		r.mu.Unlock()
		r.emit(loaded)
	}
	return n, err
}

func (r *progressReader) finish() {
	r.emit(r.total)
}

func (r *progressReader) emit(loaded int64) {
	if r.report == nil {
		return
	}
	r.mu.Lock()
	if loaded > r.total {
		loaded = r.total
	}
	if loaded <= r.reported && !(loaded == r.total && r.reported == 0 && r.total == 0) {
		r.mu.Unlock()
		return
	}
	r.reported = loaded
	r.mu.Unlock()
	ratio := 1.0
	if r.total > 0 {
		ratio = float64(loaded) / float64(r.total)
	}
	r.report(Progress{Loaded: loaded, Total: r.total, Ratio: ratio})
}

// Package remote is the HTTP client for the forms API: drafts, submissions,
// validation, external ids, prefill data and access checks.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/oneblink/formsync/internal/forms"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) HTTPStatusCode() int { return e.StatusCode }

type TokenSource interface {
	BearerToken(ctx context.Context) (string, error)
}

type Options struct {
	APIOrigin  string
	Region     string
	Tokens     TokenSource
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

type Client struct {
	baseURL    string
	region     string
	tokens     TokenSource
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.APIOrigin), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	} else if maxRetries == 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		region:     strings.TrimSpace(opts.Region),
		tokens:     opts.Tokens,
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

type draftPayload struct {
	FormSubmissionDraftID string         `json:"formSubmissionDraftId"`
	FormID                int64          `json:"formId"`
	FormsAppID            int64          `json:"formsAppId"`
	ExternalID            string         `json:"externalId,omitempty"`
	JobID                 string         `json:"jobId,omitempty"`
	Title                 string         `json:"title,omitempty"`
	CreatedAt             string         `json:"createdAt"`
	Submission            map[string]any `json:"submission"`
}

// UploadDraft stores a new version of the draft and returns it.
func (c *Client) UploadDraft(ctx context.Context, draft forms.DraftSubmission) (forms.FormSubmissionDraftVersion, error) {
	var version forms.FormSubmissionDraftVersion
	err := c.doJSON(ctx, http.MethodPut, "/form-submission-drafts", nil, draftPayload{
		FormSubmissionDraftID: draft.FormSubmissionDraftID,
		FormID:                draft.Definition.ID,
		FormsAppID:            draft.FormsAppID,
		ExternalID:            draft.ExternalID,
		JobID:                 draft.JobID,
		Title:                 draft.Title,
		CreatedAt:             draft.CreatedAt,
		Submission:            draft.Submission,
	}, &version)
	return version, err
}

func (c *Client) ListDrafts(ctx context.Context, formsAppID int64) ([]forms.FormSubmissionDraft, error) {
	var response struct {
		FormSubmissionDrafts []forms.FormSubmissionDraft `json:"formSubmissionDrafts"`
	}
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/forms-apps/%d/form-submission-drafts", formsAppID), nil, nil, &response)
	return response.FormSubmissionDrafts, err
}

func (c *Client) DownloadDraftVersion(ctx context.Context, draftID, versionID string) (forms.DraftSubmission, error) {
	var draft forms.DraftSubmission
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/form-submission-drafts/%s/versions/%s/data",
		url.PathEscape(draftID), url.PathEscape(versionID)), nil, nil, &draft)
	return draft, err
}

func (c *Client) DeleteDraft(ctx context.Context, draftID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/form-submission-drafts/"+url.PathEscape(draftID), nil, nil, nil)
}

func (c *Client) DownloadPrefill(ctx context.Context, formID int64, prefillID string) (map[string]any, error) {
	var data map[string]any
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/forms/%d/prefill/%s", formID, url.PathEscape(prefillID)), nil, nil, &data)
	return data, err
}

func (c *Client) ValidateWithServer(ctx context.Context, submission forms.FormSubmission) error {
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/forms/%d/validate", submission.Definition.ID), nil, submission, nil)
}

func (c *Client) GenerateExternalID(ctx context.Context, submission forms.FormSubmission) (string, error) {
	var response struct {
		ExternalID string `json:"externalId"`
	}
	err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/forms/%d/external-id", submission.Definition.ID), nil, submission, &response)
	return response.ExternalID, err
}

// Submit delivers a submission. The server treats repeated requests with
// the same idempotency key as one submission.
func (c *Client) Submit(ctx context.Context, submission forms.FormSubmission, idempotencyKey string) (forms.SubmissionReceipt, error) {
	var headers map[string]string
	if strings.TrimSpace(idempotencyKey) != "" {
		headers = map[string]string{"Idempotency-Key": idempotencyKey}
	}
	var receipt forms.SubmissionReceipt
	err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/forms/%d/submissions", submission.Definition.ID), headers, submission, &receipt)
	return receipt, err
}

// HasFormsAppAccess reports false when the server answers 403.
func (c *Client) HasFormsAppAccess(ctx context.Context, formsAppID int64) (bool, error) {
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/forms-apps/%d/my-access", formsAppID), nil, nil, nil)
	if err == nil {
		return true, nil
	}
	if httpErr, ok := err.(*HTTPError); ok && httpErr.StatusCode == http.StatusForbidden {
		return false, nil
	}
	return false, err
}

func (c *Client) doJSON(
	ctx context.Context,
	method, requestPath string,
	headers map[string]string,
	body any,
	out any,
) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.tokens != nil {
			token, err := c.tokens.BearerToken(ctx)
			if err != nil {
				return err
			}
			if token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
			}
		}
		req.Header.Set("X-Correlation-Id", uuid.NewString())
		if c.region != "" {
			req.Header.Set("X-Oneblink-Region", c.region)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		if errPayload.Message == "" {
			errPayload.Message = http.StatusText(resp.StatusCode)
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oneblink/formsync/internal/apperr"
	"github.com/oneblink/formsync/internal/forms"
)

type staticToken string

func (s staticToken) BearerToken(context.Context) (string, error) { return string(s), nil }

func TestClientRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		if call == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
			return
		}
		if r.URL.Path != "/forms-apps/3/form-submission-drafts" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Errorf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"formSubmissionDrafts":[{"id":"d1","formId":9,"formsAppId":3,"versions":[{"id":"v1","formSubmissionDraftId":"d1","createdAt":"2024-01-01T00:00:00.000Z"}]}]}`))
	}))
	defer server.Close()

	client := NewClient(Options{APIOrigin: server.URL, Tokens: staticToken("token"), HTTPClient: server.Client(), BaseDelay: time.Millisecond})
	drafts, err := client.ListDrafts(context.Background(), 3)
	if err != nil {
		t.Fatalf("expected retry to recover from transient 503, got error: %v", err)
	}
	if len(drafts) != 1 || drafts[0].ID != "d1" || len(drafts[0].Versions) != 1 {
		t.Fatalf("unexpected drafts %+v", drafts)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", atomic.LoadInt32(&calls))
	}
}

func TestClientSubmitSendsIdempotencyKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/forms/9/submissions" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Idempotency-Key"); got != "2024-01-01T00:00:00.000Z" {
			t.Errorf("expected idempotency key, got %q", got)
		}
		var body forms.FormSubmission
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.Submission["name"] != "Ada" {
			t.Errorf("unexpected submission body %+v", body.Submission)
		}
		_, _ = w.Write([]byte(`{"submissionId":"s-1","submissionTimestamp":"2024-01-01T00:00:01.000Z"}`))
	}))
	defer server.Close()

	client := NewClient(Options{APIOrigin: server.URL, HTTPClient: server.Client()})
	receipt, err := client.Submit(context.Background(), forms.FormSubmission{
		Definition: forms.Form{ID: 9},
		Submission: map[string]any{"name": "Ada"},
	}, "2024-01-01T00:00:00.000Z")
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if receipt.SubmissionID != "s-1" {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
}

func TestClientErrorsClassify(t *testing.T) {
	cases := map[int]apperr.Kind{
		http.StatusBadRequest:   apperr.KindBadRequest,
		http.StatusUnauthorized: apperr.KindUnauthorised,
		http.StatusForbidden:    apperr.KindForbidden,
		http.StatusNotFound:     apperr.KindNotFound,
	}
	for status, kind := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"message":"nope"}`))
		}))
		client := NewClient(Options{APIOrigin: server.URL, HTTPClient: server.Client()})
		err := client.DeleteDraft(context.Background(), "d1")
		server.Close()

		var httpErr *HTTPError
		if !errors.As(err, &httpErr) || httpErr.StatusCode != status || httpErr.Message != "nope" {
			t.Fatalf("status %d: unexpected error %v", status, err)
		}
		if got := apperr.KindOf(err); got != kind {
			t.Fatalf("status %d: expected kind %s, got %s", status, kind, got)
		}
	}
}

func TestClientAccessCheck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/forms-apps/1/my-access" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	client := NewClient(Options{APIOrigin: server.URL, HTTPClient: server.Client()})
	if ok, err := client.HasFormsAppAccess(context.Background(), 1); err != nil || !ok {
		t.Fatalf("expected access to app 1, got %v %v", ok, err)
	}
	if ok, err := client.HasFormsAppAccess(context.Background(), 2); err != nil || ok {
		t.Fatalf("expected no access to app 2, got %v %v", ok, err)
	}
}

func TestClientUnreachableIsOffline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	origin := server.URL
	server.Close()

	client := NewClient(Options{APIOrigin: origin, MaxRetries: -1})
	_, err := client.DownloadPrefill(context.Background(), 1, "p1")
	if err == nil {
		t.Fatalf("expected error for closed server")
	}
	if !apperr.IsOffline(err) {
		t.Fatalf("expected offline classification, got %v", err)
	}
}

func TestRetryDelayHonoursRetryAfter(t *testing.T) {
	client := NewClient(Options{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second})
	if got := client.retryDelay(1, "5"); got != time.Second {
		t.Fatalf("expected capped retry-after, got %s", got)
	}
	if got := client.retryDelay(3, ""); got != 400*time.Millisecond {
		t.Fatalf("expected exponential backoff, got %s", got)
	}
}

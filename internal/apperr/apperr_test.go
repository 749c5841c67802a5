package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/oneblink/formsync/internal/kvstore"
)

type statusError struct {
	status  int
	message string
}

func (e *statusError) Error() string {
	if e.message != "" {
		return e.message
	}
	return fmt.Sprintf("http %d", e.status)
}
func (e *statusError) HTTPStatusCode() int { return e.status }

func TestClassifyHTTPStatuses(t *testing.T) {
	cases := []struct {
		status int
		kind   Kind
		login  bool
		access bool
	}{
		{401, KindUnauthorised, true, false},
		{403, KindForbidden, false, true},
		{400, KindBadRequest, false, false},
		{404, KindNotFound, false, false},
		{500, KindUnknown, false, false},
	}
	for _, tc := range cases {
		err := Classify(&statusError{status: tc.status})
		var appErr *Error
		if !errors.As(err, &appErr) {
			t.Fatalf("status %d: expected *Error, got %T", tc.status, err)
		}
		if appErr.Kind != tc.kind || appErr.HTTPStatus != tc.status {
			t.Fatalf("status %d: unexpected classification %+v", tc.status, appErr)
		}
		if appErr.RequiresLogin != tc.login || appErr.RequiresAccessRequest != tc.access {
			t.Fatalf("status %d: unexpected flags %+v", tc.status, appErr)
		}
	}
}

func TestClassifyNetworkFailureAsOffline(t *testing.T) {
	netErr := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	err := Classify(fmt.Errorf("post submission: %w", netErr))
	if !errors.Is(err, ErrOffline) || !IsOffline(err) {
		t.Fatalf("expected offline classification, got %v", err)
	}
	if KindOf(netErr) != KindOffline {
		t.Fatalf("expected offline kind, got %s", KindOf(netErr))
	}
}

func TestClassifyQuotaMessages(t *testing.T) {
	for _, err := range []error{
		errors.New("QuotaExceededError: the quota has been exceeded"),
		fmt.Errorf("write: %w", kvstore.ErrStorageExhausted),
		errors.New("write /var/lib/formsync: no space left on device"),
	} {
		if !errors.Is(Classify(err), ErrStorageExhausted) {
			t.Fatalf("expected storage exhausted for %v", err)
		}
	}
}

func TestClassifyServerQuotaMessageKeepsStatus(t *testing.T) {
	cases := []struct {
		status int
		kind   Kind
	}{
		{429, KindUnknown},
		{403, KindForbidden},
	}
	for _, tc := range cases {
		err := Classify(&statusError{status: tc.status, message: "API quota exceeded for this key"})
		var appErr *Error
		if !errors.As(err, &appErr) {
			t.Fatalf("status %d: expected *Error, got %T", tc.status, err)
		}
		if appErr.Kind != tc.kind || appErr.HTTPStatus != tc.status {
			t.Fatalf("status %d: expected %s, got %+v", tc.status, tc.kind, appErr)
		}
		if errors.Is(err, ErrStorageExhausted) {
			t.Fatalf("status %d: server quota reported as local storage exhaustion", tc.status)
		}
	}
}

func TestClassifyPassesThroughCancellationAndExisting(t *testing.T) {
	if got := Classify(context.Canceled); got != context.Canceled {
		t.Fatalf("expected cancellation to pass through, got %v", got)
	}
	existing := New(KindForbidden, "no", nil)
	if got := Classify(fmt.Errorf("wrapped: %w", existing)); got != existing {
		t.Fatalf("expected existing app error, got %v", got)
	}
	if Classify(nil) != nil {
		t.Fatalf("expected nil for nil")
	}
}

func TestUnknownErrorsKeepMessage(t *testing.T) {
	err := Classify(errors.New("boom"))
	var appErr *Error
	if !errors.As(err, &appErr) || appErr.Kind != KindUnknown || appErr.Message != "boom" {
		t.Fatalf("unexpected classification %+v", err)
	}
	if IsOffline(err) {
		t.Fatalf("unknown errors are not offline")
	}
}

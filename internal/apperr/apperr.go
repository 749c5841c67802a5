// Package apperr classifies failures into the categories the UI acts on:
// retry later, prompt for login, show a permission message or a terminal
// error.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"syscall"

	"github.com/oneblink/formsync/internal/kvstore"
)

type Kind string

const (
	KindOffline          Kind = "offline"
	KindUnauthorised     Kind = "unauthorised"
	KindForbidden        Kind = "forbidden"
	KindBadRequest       Kind = "bad_request"
	KindNotFound         Kind = "not_found"
	KindStorageExhausted Kind = "storage_exhausted"
	KindUnknown          Kind = "unknown"
)

var (
	ErrOffline          = errors.New("offline")
	ErrUnauthorised     = errors.New("unauthorised")
	ErrForbidden        = errors.New("forbidden")
	ErrBadRequest       = errors.New("bad request")
	ErrNotFound         = errors.New("not found")
	ErrStorageExhausted = errors.New("storage exhausted")
)

var kindSentinels = map[Kind]error{
	KindOffline:          ErrOffline,
	KindUnauthorised:     ErrUnauthorised,
	KindForbidden:        ErrForbidden,
	KindBadRequest:       ErrBadRequest,
	KindNotFound:         ErrNotFound,
	KindStorageExhausted: ErrStorageExhausted,
}

// StatusCoder is implemented by transport errors that carry an HTTP status.
type StatusCoder interface {
	HTTPStatusCode() int
}

type Error struct {
	Kind                  Kind
	Title                 string
	Message               string
	HTTPStatus            int
	RequiresLogin         bool
	RequiresAccessRequest bool
	Err                   error
}

func (e *Error) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Title, e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Title, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && target == sentinel
}

func New(kind Kind, message string, cause error) *Error {
	e := &Error{Kind: kind, Message: message, Err: cause}
	switch kind {
	case KindOffline:
		e.Title = "Connectivity Issues"
	case KindUnauthorised:
		e.Title = "Login Required"
		e.RequiresLogin = true
	case KindForbidden:
		e.Title = "Access Denied"
		e.RequiresAccessRequest = true
	case KindBadRequest:
		e.Title = "Invalid Request"
	case KindNotFound:
		e.Title = "Unknown Resource"
	case KindStorageExhausted:
		e.Title = "Storage Full"
	default:
		e.Kind = KindUnknown
		e.Title = "Unknown Error"
	}
	return e
}

// Classify maps err onto the taxonomy. nil and context cancellation pass
// through unchanged; an existing *Error is returned as is.
func Classify(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	// a server response keeps its status even when its message mentions a quota
	var coder StatusCoder
	if errors.As(err, &coder) {
		return fromStatus(coder.HTTPStatusCode(), err)
	}
	if kvstore.IsQuotaError(err) {
		return New(KindStorageExhausted,
			"There is not enough space on your device to save this data. Please free up some space and try again.", err)
	}
	if IsNetworkError(err) {
		return New(KindOffline,
			"It looks like you are offline. Please try again when connectivity is restored.", err)
	}
	return New(KindUnknown, err.Error(), err)
}

func fromStatus(status int, err error) *Error {
	var e *Error
	switch {
	case status == 401:
		e = New(KindUnauthorised, "You need to log in to continue.", err)
	case status == 403:
		e = New(KindForbidden, "You do not have access to this resource. Please contact your administrator.", err)
	case status == 400 || status == 422:
		e = New(KindBadRequest, err.Error(), err)
	case status == 404:
		e = New(KindNotFound, "We could not find what you were looking for.", err)
	default:
		e = New(KindUnknown, err.Error(), err)
	}
	e.HTTPStatus = status
	return e
}

// IsNetworkError reports failures that happen before any response arrives.
func IsNetworkError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrOffline) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func IsOffline(err error) bool {
	if errors.Is(err, ErrOffline) {
		return true
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return false
	}
	return IsNetworkError(err)
}

func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	if classified, ok := Classify(err).(*Error); ok {
		return classified.Kind
	}
	return ""
}

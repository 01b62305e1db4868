package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the top-level failure category surfaced to presenters.
type Kind string

const (
	KindCameraUnavailable   Kind = "camera_unavailable"
	KindCameraTimeout       Kind = "camera_timeout"
	KindInvalidFile         Kind = "invalid_file"
	KindEmptyCapture        Kind = "empty_capture"
	KindEncodingFailed      Kind = "encoding_failed"
	KindInvalidInput        Kind = "invalid_input"
	KindTransport           Kind = "transport_error"
	KindContentBlocked      Kind = "content_blocked"
	KindEmptyResponse       Kind = "empty_response"
	KindUnparsableResponse  Kind = "unparsable_response"
	KindValidationDefaulted Kind = "validation_defaulted"
)

// Cause refines a Kind (camera error kind, file rejection reason, transport subkind).
type Cause string

const (
	CauseNone Cause = ""

	CausePermissionDenied Cause = "permission_denied"
	CauseNoDevice         Cause = "no_device"
	CauseDeviceBusy       Cause = "device_busy"
	CauseUnsupported      Cause = "unsupported"

	CauseInvalidType Cause = "invalid_type"
	CauseTooLarge    Cause = "too_large"

	CauseBadRequest       Cause = "bad_request"
	CauseForbidden        Cause = "forbidden"
	CauseRateLimited      Cause = "rate_limited"
	CauseServerError      Cause = "server_error"
	CauseNetwork          Cause = "network"
	CauseTimeout          Cause = "timeout"
	CauseUnexpectedStatus Cause = "unexpected_status"
)

// Error is the structured error returned by every layer of the capture flow.
type Error struct {
	Kind       Kind   `json:"kind"`
	Cause      Cause  `json:"cause,omitempty"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	// Upstream is the HTTP status reported by the inference endpoint, if any.
	Upstream int   `json:"upstream_status,omitempty"`
	Err      error `json:"-"`
}

func (e *Error) Error() string {
	head := string(e.Kind)
	if e.Cause != CauseNone {
		head += "/" + string(e.Cause)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", head, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", head, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on kind and cause: a target with an empty cause
// matches any cause of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Cause == CauseNone || t.Cause == e.Cause
}

func newErr(kind Kind, cause Cause, status int, msg string, err error) *Error {
	return &Error{Kind: kind, Cause: cause, Message: msg, StatusCode: status, Err: err}
}

// --------------------------- capture ---------------------------

func NewCameraUnavailable(cause Cause, err error) *Error {
	return newErr(KindCameraUnavailable, cause, http.StatusServiceUnavailable, "camera unavailable", err)
}

func NewCameraTimeout(msg string) *Error {
	return newErr(KindCameraTimeout, CauseNone, http.StatusGatewayTimeout, msg, nil)
}

func NewInvalidFile(cause Cause, msg string) *Error {
	status := http.StatusUnsupportedMediaType
	if cause == CauseTooLarge {
		status = http.StatusRequestEntityTooLarge
	}
	return newErr(KindInvalidFile, cause, status, msg, nil)
}

func NewEmptyCapture(msg string) *Error {
	return newErr(KindEmptyCapture, CauseNone, http.StatusUnprocessableEntity, msg, nil)
}

func NewEncodingFailed(err error) *Error {
	return newErr(KindEncodingFailed, CauseNone, http.StatusUnprocessableEntity, "image encoding failed", err)
}

// --------------------------- analysis ---------------------------

func NewInvalidInput(msg string, err error) *Error {
	return newErr(KindInvalidInput, CauseNone, http.StatusBadRequest, msg, err)
}

// NewTransport wraps a failed call to the inference endpoint. upstream is the
// HTTP status the endpoint answered with, 0 when no response was received.
func NewTransport(cause Cause, upstream int, err error) *Error {
	status := http.StatusBadGateway
	switch cause {
	case CauseTimeout:
		status = http.StatusGatewayTimeout
	case CauseRateLimited:
		status = http.StatusTooManyRequests
	}
	e := newErr(KindTransport, cause, status, "inference request failed", err)
	e.Upstream = upstream
	return e
}

// TransportCauseForStatus maps a non-success status of the inference endpoint.
func TransportCauseForStatus(code int) Cause {
	switch {
	case code == http.StatusBadRequest:
		return CauseBadRequest
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return CauseForbidden
	case code == http.StatusTooManyRequests:
		return CauseRateLimited
	case code >= 500:
		return CauseServerError
	default:
		return CauseUnexpectedStatus
	}
}

func NewContentBlocked(reason string) *Error {
	msg := "content blocked by safety policy"
	if reason != "" {
		msg += ": " + reason
	}
	return newErr(KindContentBlocked, CauseNone, http.StatusUnprocessableEntity, msg, nil)
}

func NewEmptyResponse() *Error {
	return newErr(KindEmptyResponse, CauseNone, http.StatusBadGateway, "inference service returned no text", nil)
}

func NewUnparsableResponse(err error) *Error {
	return newErr(KindUnparsableResponse, CauseNone, http.StatusBadGateway, "no JSON object found in response", err)
}

// --------------------------- helpers ---------------------------

// As extracts the *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}

// KindOf returns the kind of err, or "" for foreign errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return ""
}

// CauseOf returns the cause of err, or CauseNone.
func CauseOf(err error) Cause {
	if e, ok := As(err); ok {
		return e.Cause
	}
	return CauseNone
}

// GetStatusCode extracts the HTTP status code to answer with.
func GetStatusCode(err error) int {
	if e, ok := As(err); ok && e.StatusCode != 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// Fallback reports whether the user should be steered to the file upload path.
func Fallback(err error) bool {
	switch KindOf(err) {
	case KindCameraUnavailable, KindCameraTimeout, KindEmptyCapture:
		return true
	}
	return false
}

// -----------------------------------------------------------------------
// Error taxonomy - classified errors for API responses and unit outcomes
// -----------------------------------------------------------------------

package models

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNoUnit is returned when the queue has no unit ready for reservation.
var ErrNoUnit = errors.New("no units in queue")

// ErrCrawlNotFound is returned when a crawl record does not exist.
var ErrCrawlNotFound = errors.New("crawl not found")

// ErrUnitNotFound is returned when a unit record does not exist.
var ErrUnitNotFound = errors.New("unit not found")

// ErrCrawlCancelled short-circuits unit completion when the owning crawl
// was cancelled before the unit finished.
var ErrCrawlCancelled = errors.New("crawl cancelled")

// ErrIdempotencyConflict is returned when an idempotency key was already used.
var ErrIdempotencyConflict = errors.New("Idempotency key already used")

// ErrorCode classifies request and unit failures.
type ErrorCode string

const (
	ErrCodeBadRequest      ErrorCode = "bad_request"
	ErrCodeUnauthorized    ErrorCode = "unauthorized"
	ErrCodePaymentRequired ErrorCode = "payment_required"
	ErrCodeForbidden       ErrorCode = "forbidden"
	ErrCodeNotFound        ErrorCode = "not_found"
	ErrCodeTimeout         ErrorCode = "timeout"
	ErrCodeConflict        ErrorCode = "conflict"
	ErrCodeRateLimited     ErrorCode = "rate_limited"
	ErrCodeUpstream        ErrorCode = "upstream_error"
	ErrCodeInternal        ErrorCode = "internal_error"
	ErrCodeCancelled       ErrorCode = "cancelled"
)

// RequestError is an API-facing error carrying an HTTP status.
type RequestError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Status  int       `json:"-"`
}

func (e *RequestError) Error() string {
	return e.Message
}

// NewRequestError builds a classified API error.
func NewRequestError(code ErrorCode, status int, format string, args ...interface{}) *RequestError {
	return &RequestError{
		Code:    code,
		Status:  status,
		Message: fmt.Sprintf(format, args...),
	}
}

func NewBadRequestError(format string, args ...interface{}) *RequestError {
	return NewRequestError(ErrCodeBadRequest, http.StatusBadRequest, format, args...)
}

func NewUnauthorizedError(format string, args ...interface{}) *RequestError {
	return NewRequestError(ErrCodeUnauthorized, http.StatusUnauthorized, format, args...)
}

func NewPaymentRequiredError(format string, args ...interface{}) *RequestError {
	return NewRequestError(ErrCodePaymentRequired, http.StatusPaymentRequired, format, args...)
}

func NewForbiddenError(format string, args ...interface{}) *RequestError {
	return NewRequestError(ErrCodeForbidden, http.StatusForbidden, format, args...)
}

func NewNotFoundError(format string, args ...interface{}) *RequestError {
	return NewRequestError(ErrCodeNotFound, http.StatusNotFound, format, args...)
}

func NewTimeoutError(format string, args ...interface{}) *RequestError {
	return NewRequestError(ErrCodeTimeout, http.StatusRequestTimeout, format, args...)
}

func NewConflictError(format string, args ...interface{}) *RequestError {
	return NewRequestError(ErrCodeConflict, http.StatusConflict, format, args...)
}

func NewRateLimitedError(format string, args ...interface{}) *RequestError {
	return NewRequestError(ErrCodeRateLimited, http.StatusTooManyRequests, format, args...)
}

func NewInternalError(format string, args ...interface{}) *RequestError {
	return NewRequestError(ErrCodeInternal, http.StatusInternalServerError, format, args...)
}

// FetchError classifies a failed page fetch. Retriable failures go back
// through the queue's retry path; permanent ones fail the unit immediately.
type FetchError struct {
	URL        string
	StatusCode int
	Code       ErrorCode
	Message    string
	Retriable  bool
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
	}
	return e.Message
}

// NewFetchError classifies an upstream HTTP status. Timeouts (408), rate
// limits (429) and server errors (5xx) are retriable; other 4xx are
// permanent.
func NewFetchError(url string, statusCode int, message string) *FetchError {
	fe := &FetchError{
		URL:        url,
		StatusCode: statusCode,
		Message:    message,
	}
	switch {
	case statusCode == http.StatusRequestTimeout:
		fe.Code = ErrCodeTimeout
		fe.Retriable = true
	case statusCode == http.StatusTooManyRequests:
		fe.Code = ErrCodeRateLimited
		fe.Retriable = true
	case statusCode >= 500:
		fe.Code = ErrCodeUpstream
		fe.Retriable = true
	case statusCode >= 400:
		fe.Code = ErrCodeUpstream
		fe.Retriable = false
	default:
		fe.Code = ErrCodeUpstream
		fe.Retriable = false
	}
	return fe
}

// NewNetworkFetchError classifies a transport-level failure (DNS, connect,
// TLS, connection reset). Always retriable.
func NewNetworkFetchError(url string, err error) *FetchError {
	return &FetchError{
		URL:       url,
		Code:      ErrCodeUpstream,
		Message:   err.Error(),
		Retriable: true,
	}
}

// NewTimeoutFetchError classifies a fetch that exceeded the unit's timeout.
func NewTimeoutFetchError(url string, message string) *FetchError {
	return &FetchError{
		URL:       url,
		Code:      ErrCodeTimeout,
		Message:   message,
		Retriable: true,
	}
}

// NewInsufficientPDFTimeError classifies a PDF whose processing cannot fit
// in the unit's remaining timeout. Not retriable through the queue: the
// same budget would fail the same way. Single-URL scrapes retry once at a
// doubled timeout instead.
func NewInsufficientPDFTimeError(url string, pages int) *FetchError {
	return &FetchError{
		URL:       url,
		Code:      ErrCodeTimeout,
		Message:   fmt.Sprintf("Insufficient time to process PDF of %d pages", pages),
		Retriable: false,
	}
}

// IsRetriable reports whether an error should go back through the retry path.
func IsRetriable(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Retriable
	}
	return false
}

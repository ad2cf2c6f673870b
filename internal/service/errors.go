package service

import (
	"errors"
	"net/http"

	"github.com/TD-Producoes/revshare-sub005/internal/core"
)

// HTTPError represents an error with an associated HTTP status code.
type HTTPError struct {
	StatusCode int
	Wrapped    error
}

func (e *HTTPError) Error() string {
	return e.Wrapped.Error()
}

func (e *HTTPError) Unwrap() error {
	return e.Wrapped
}

// NewHTTPError attaches a fixed status code to err.
func NewHTTPError(statusCode int, err error) *HTTPError {
	return &HTTPError{
		StatusCode: statusCode,
		Wrapped:    err,
	}
}

// kindStatus maps classified failures to HTTP status codes.
var kindStatus = map[core.ErrorKind]int{
	core.KindUnauthorized:        http.StatusUnauthorized,
	core.KindNotApproved:         http.StatusConflict,
	core.KindExpired:             http.StatusGone,
	core.KindPayloadMismatch:     http.StatusUnprocessableEntity,
	core.KindInstallationRevoked: http.StatusForbidden,
	core.KindScopeDenied:         http.StatusForbidden,
	core.KindCategoryDenied:      http.StatusForbidden,
	core.KindPolicyDenied:        http.StatusForbidden,
	core.KindRateLimited:         http.StatusTooManyRequests,
	core.KindInvalidTransition:   http.StatusConflict,
	core.KindInvalidPlanMember:   http.StatusBadRequest,
	core.KindPlanMemberExpired:   http.StatusGone,
	core.KindNotFound:            http.StatusNotFound,
	core.KindInvalidRequest:      http.StatusBadRequest,
	core.KindConflict:            http.StatusConflict,
}

// StatusCode returns the HTTP status for err. Unclassified errors are internal errors.
func StatusCode(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode
	}
	if status, ok := kindStatus[core.KindOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

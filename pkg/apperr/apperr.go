// Package apperr holds the error kinds every auth failure is classified into
// and their HTTP mapping. Domain packages wrap one of these sentinels:
//
//	var ErrInvalidToken = fmt.Errorf("%w: invalid refresh token", apperr.ErrAuthentication)
package apperr

import (
	"errors"
	"net/http"
	"strings"
)

var (
	ErrAuthentication = errors.New("unauthorized")
	ErrAuthorization  = errors.New("forbidden")
	ErrConflict       = errors.New("conflict")
	ErrNotFound       = errors.New("not found")
	ErrValidation     = errors.New("validation failed")
	// ErrRateLimited is returned by throttled endpoints.
	ErrRateLimited = errors.New("too many requests")
)

// Status maps err to the HTTP status of its kind, 500 when it has none.
func Status(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, ErrAuthorization):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict), errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the part of err that is safe to show a client. Errors with
// no kind are internal and collapse to a generic message.
func Message(err error) string {
	if Status(err) == http.StatusInternalServerError {
		return "internal server error"
	}
	msg := err.Error()
	for _, kind := range []error{ErrAuthentication, ErrAuthorization, ErrConflict, ErrNotFound, ErrValidation, ErrRateLimited} {
		if rest, ok := strings.CutPrefix(msg, kind.Error()+": "); ok && errors.Is(err, kind) {
			return rest
		}
	}
	return msg
}

// Validation builds a validation error naming the offending input.
func Validation(msg string) error {
	return &kindError{kind: ErrValidation, msg: msg}
}

type kindError struct {
	kind error
	msg  string
}

func (e *kindError) Error() string { return e.kind.Error() + ": " + e.msg }
func (e *kindError) Unwrap() error { return e.kind }

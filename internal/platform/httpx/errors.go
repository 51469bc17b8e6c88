// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"
	"regexp"
)

// Sentinel errors for domain layer.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrDuplicate    = errors.New("duplicate entry")
	ErrValidation   = errors.New("validation failed")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
	ErrUnavailable  = errors.New("service temporarily unavailable")
)

const genericServerError = "An unexpected error occurred"

// RespondError maps domain errors onto the JSON envelope. Internal failures are
// reported generically in production and sanitized elsewhere.
func RespondError(w http.ResponseWriter, r *http.Request, err error, production bool) {
	switch {
	case errors.Is(err, ErrNotFound):
		Error(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrDuplicate):
		Error(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, ErrValidation):
		Error(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrForbidden):
		Error(w, r, http.StatusForbidden, "Forbidden")
	case errors.Is(err, ErrUnauthorized):
		Error(w, r, http.StatusUnauthorized, "Unauthorized")
	case errors.Is(err, ErrUnavailable):
		Error(w, r, http.StatusServiceUnavailable, ErrUnavailable.Error())
	default:
		if production || err == nil {
			Error(w, r, http.StatusInternalServerError, genericServerError)
			return
		}
		Error(w, r, http.StatusInternalServerError, Sanitize(err.Error()))
	}
}

var sanitizers = []struct {
	pattern *regexp.Regexp
	replace string
}{
	{regexp.MustCompile(`(?:/[\w.\-]+){2,}`), "[path]"},
	{regexp.MustCompile(`\b\d{1,3}(?:\.\d{1,3}){3}(?::\d+)?\b`), "[ip]"},
	{regexp.MustCompile(`(?i)\b(?:sk|pk|rk|whsec)_(?:live|test)?_?[A-Za-z0-9]+`), "[key]"},
	{regexp.MustCompile(`(?i)\b(?:bearer|token|password|secret)[=: ]+\S+`), "[credential]"},
	{regexp.MustCompile(`\b[A-Fa-f0-9]{32,}\b`), "[token]"},
}

// Sanitize strips file paths, IP addresses, tokens, and key prefixes from a
// message before it reaches an external caller.
func Sanitize(msg string) string {
	for _, s := range sanitizers {
		msg = s.pattern.ReplaceAllString(msg, s.replace)
	}
	return msg
}

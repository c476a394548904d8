// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"
)

// Sentinel errors for domain layer.
var (
	ErrNotFound      = errors.New("resource not found")
	ErrDuplicate     = errors.New("duplicate entry")
	ErrValidation    = errors.New("validation failed")
	ErrUnprocessable = errors.New("request cannot be applied")
	ErrUnavailable   = errors.New("temporarily unavailable")
)

// Contextual errors expose machine readable fields that are copied into the
// problem body.
type Contextual interface {
	ProblemContext() map[string]any
}

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	var ext map[string]any
	var c Contextual
	if errors.As(err, &c) {
		ext = c.ProblemContext()
	}
	switch {
	case errors.Is(err, ErrNotFound):
		ProblemWith(w, http.StatusNotFound, "Not Found", err.Error(), ext)
	case errors.Is(err, ErrDuplicate):
		ProblemWith(w, http.StatusConflict, "Duplicate", err.Error(), ext)
	case errors.Is(err, ErrValidation):
		ProblemWith(w, http.StatusBadRequest, "Validation Failed", err.Error(), ext)
	case errors.Is(err, ErrUnprocessable):
		ProblemWith(w, http.StatusUnprocessableEntity, "Unprocessable", err.Error(), ext)
	case errors.Is(err, ErrUnavailable):
		w.Header().Set("Retry-After", "1")
		ProblemWith(w, http.StatusServiceUnavailable, "Unavailable", err.Error(), ext)
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

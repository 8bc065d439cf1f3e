package httpx

import (
	"errors"
	"net/http"
)

// Sentinel errors for the domain layer. Handlers wrap domain errors into one
// of these classes before calling RespondError.
var (
	ErrNotFound      = errors.New("resource not found")
	ErrConflict      = errors.New("conflicting request")
	ErrValidation    = errors.New("validation failed")
	ErrUnprocessable = errors.New("business rule violated")
)

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrConflict):
		Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrUnprocessable):
		Problem(w, http.StatusUnprocessableEntity, "Unprocessable", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

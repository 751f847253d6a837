package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/stanstork/recovery-controller/internal/apperrors"
	"github.com/stanstork/recovery-controller/internal/repository"
)

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// statusFor maps the error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	var (
		verr *apperrors.ValidationError
		ferr *apperrors.InvalidFieldError
		terr *apperrors.TerminalStateError
		rerr *apperrors.ResolutionError
	)
	switch {
	case errors.As(err, &verr), errors.As(err, &ferr):
		return http.StatusBadRequest
	case errors.As(err, &rerr):
		return http.StatusUnprocessableEntity
	case apperrors.IsNotFound(err):
		return http.StatusNotFound
	case errors.As(err, &terr), repository.IsUniqueViolation(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// internal/httputil/response.go
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/sirupsen/logrus"

	appErrors "github.com/unclebandit/smsleopard-dispatcher/internal/errors"
)

func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logrus.WithError(err).Warn("failed to encode response")
	}
}

// WriteError maps domain errors to HTTP statuses. Anything unrecognised is
// logged and reported as a 500 without leaking details.
func WriteError(w http.ResponseWriter, err error) {
	var fields validation.Errors
	var ve *appErrors.ValidationError
	switch {
	case errors.As(err, &fields):
		WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request", "fields": fields})
	case appErrors.IsStateConflict(err):
		WriteJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.As(err, &ve):
		WriteJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":              ve.Error(),
			"problems":           nonNil(ve.Problems),
			"unmapped_variables": nonNil(ve.Unmapped),
		})
	case appErrors.IsNotFound(err):
		WriteJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	default:
		logrus.WithError(err).Error("request failed")
		WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// IntParam parses a positive integer path or query value.
func IntParam(raw string) (int, bool) {
	n, err := strconv.Atoi(raw)
	return n, err == nil && n > 0
}

// DecodeJSON decodes the body into dst and runs its validation rules if any.
func DecodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return validation.Errors{"body": errors.New("malformed JSON")}
	}
	if v, ok := dst.(validation.Validatable); ok {
		return v.Validate()
	}
	return nil
}

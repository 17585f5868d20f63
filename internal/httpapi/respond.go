package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/SirClappington/promptworks/internal/domain"
	"github.com/SirClappington/promptworks/internal/lock"
	"github.com/SirClappington/promptworks/internal/works"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func respond(w http.ResponseWriter, status int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: status < 400, Message: message, Data: data})
}

func statusFor(err error) int {
	var verrs validator.ValidationErrors
	switch {
	case errors.Is(err, domain.ErrInvalidActor):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrEmptyPatch), errors.As(err, &verrs):
		return http.StatusBadRequest
	case errors.Is(err, works.ErrBusy), errors.Is(err, lock.ErrNotAcquired):
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

// fail writes err with its mapped status. Internal errors are not echoed.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", requestFields(r, err)...)
		msg = "internal error"
	}
	respond(w, status, msg, nil)
}

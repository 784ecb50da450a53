package utils

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"ms-admission/internal/models"
)

type APIResponse struct {
	Success   bool              `json:"success"`
	Message   string            `json:"message"`
	Data      interface{}       `json:"data,omitempty"`
	Error     string            `json:"error,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

func SuccessResponse(message string, data interface{}) APIResponse {
	return APIResponse{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now(),
	}
}

func ErrorResponse(message, error string) APIResponse {
	return APIResponse{
		Success:   false,
		Message:   message,
		Error:     error,
		Timestamp: time.Now(),
	}
}

func WriteJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// StatusForError maps domain errors onto HTTP status codes.
func StatusForError(err error) int {
	var verr *models.ValidationError
	var dup *models.DuplicateContactError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.As(err, &dup):
		return http.StatusConflict
	case errors.Is(err, models.ErrOrderNotFound), errors.Is(err, models.ErrTicketNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrDiscountLimitReached):
		return http.StatusConflict
	case errors.Is(err, models.ErrDiscountInvalid), errors.Is(err, models.ErrReferralInvalid),
		errors.Is(err, models.ErrConfirmationMismatch), errors.Is(err, models.ErrInvalidStatus),
		errors.Is(err, models.ErrTicketPending):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNoInventory), errors.Is(err, models.ErrReconcileInProgress):
		return http.StatusConflict
	case errors.Is(err, models.ErrSyncLocked):
		return http.StatusLocked
	case errors.Is(err, models.ErrOrderNotLocked):
		return http.StatusPreconditionFailed
	case errors.Is(err, models.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// WriteError renders err in the standard envelope. Internal errors never leak their text.
func WriteError(w http.ResponseWriter, message string, err error) {
	status := StatusForError(err)
	resp := ErrorResponse(message, err.Error())
	if status == http.StatusInternalServerError {
		resp.Error = "internal error"
	}
	var verr *models.ValidationError
	if errors.As(err, &verr) {
		resp.Fields = verr.Fields
	}
	WriteJSON(w, status, resp)
}

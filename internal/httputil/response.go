package httputil

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/zapboard/session-server/internal/errors"
)

func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// ErrorResponse is the standard error response format
type ErrorResponse struct {
	Error   string              `json:"error"`
	Code    apperrors.ErrorCode `json:"code"`
	Field   string              `json:"field,omitempty"`
	Details any                 `json:"details,omitempty"`
}

// WriteError writes an error as an HTTP response with appropriate status
// code. Non-AppErrors are collapsed to a generic internal error first.
func WriteError(w http.ResponseWriter, err error) {
	appErr := apperrors.Sanitize(err)

	response := ErrorResponse{
		Error:   appErr.Message,
		Code:    appErr.Code,
		Field:   appErr.Field,
		Details: appErr.Details,
	}
	WriteJSON(w, statusFromCode(appErr.Code), response)
}

// statusFromCode maps ErrorCode to HTTP status code
func statusFromCode(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrCodeValidation,
		apperrors.ErrCodeInvalidInput,
		apperrors.ErrCodeMissingRequired:
		return http.StatusBadRequest

	case apperrors.ErrCodeNotFound:
		return http.StatusNotFound

	case apperrors.ErrCodeConflict:
		return http.StatusConflict

	case apperrors.ErrCodeSessionNotConnected:
		return http.StatusUnprocessableEntity

	case apperrors.ErrCodeRateLimitExceeded:
		return http.StatusTooManyRequests

	case apperrors.ErrCodeConnectionFailed,
		apperrors.ErrCodeTransport:
		return http.StatusBadGateway

	case apperrors.ErrCodeInternal,
		apperrors.ErrCodeDatabase:
		return http.StatusInternalServerError

	default:
		return http.StatusInternalServerError
	}
}

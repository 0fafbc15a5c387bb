package handler

// RESPONSE HELPERS:
// Every error response from the API has the same shape:
//
//	{"error": "not_found", "message": "debtor not found with id 1234"}
//
// so terminals can show the message regardless of the status code.

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sakif/frontdesk/internal/apperror"
)

// retryAfterSeconds is sent with 503 responses caused by a busy ledger.
const retryAfterSeconds = "2"

// ErrorResponse is the standard error format returned by all API endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`   // Machine-readable error type (e.g., "not_found")
	Message string `json:"message"` // Human-readable description
}

// writeJSON sends a JSON response with the given status code. Headers and
// status go out before the body.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// Headers are already sent; all we can do is log.
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// writeError maps a domain error to an HTTP status and sends it.
//
// ERROR MAPPING:
//
//	ErrValidation     → 400
//	ErrUnauthorized   → 401
//	ErrForbidden      → 403
//	ErrNotFound       → 404
//	ErrConflict       → 409
//	ErrBusy           → 503 + Retry-After (another terminal holds the ledger lock)
//	ErrUnavailable    → 503 (shared ledger unreachable)
//	ErrReferentialGap → 500
//
// Raw error text never reaches the client; only AppError messages do.
func writeError(w http.ResponseWriter, err error) {
	status, errorType := classify(err)

	message := "An internal error occurred"
	var appErr *apperror.AppError
	if errors.As(err, &appErr) && status != http.StatusInternalServerError {
		message = appErr.Message
	}

	if errors.Is(err, apperror.ErrBusy) {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}

	writeJSON(w, status, ErrorResponse{
		Error:   errorType,
		Message: message,
	})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, apperror.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, apperror.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, apperror.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, apperror.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, apperror.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, apperror.ErrBusy):
		return http.StatusServiceUnavailable, "ledger_busy"
	case errors.Is(err, apperror.ErrUnavailable):
		return http.StatusServiceUnavailable, "ledger_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// logError logs err at a level that matches its HTTP class: client mistakes
// at debug, retryable storage trouble at warn, the rest at error.
func logError(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, slog.String("error", err.Error()))
	status, _ := classify(err)
	switch {
	case status < http.StatusInternalServerError:
		logger.Debug(msg, attrs...)
	case apperror.IsRetryable(err):
		logger.Warn(msg, attrs...)
	default:
		logger.Error(msg, attrs...)
	}
}

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/mealplan/credit-engine/credits"
	"go.uber.org/zap"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    credits.Code `json:"code"`
	Message string       `json:"message"`
}

// statusFor maps a taxonomy code to its HTTP status.
func statusFor(code credits.Code) int {
	switch code {
	case credits.CodeValidation, credits.CodeIdempotencyMismatch:
		return http.StatusBadRequest
	case credits.CodeAuthRequired, credits.CodeInvalidSignature:
		return http.StatusUnauthorized
	case credits.CodePermissionDenied:
		return http.StatusForbidden
	case credits.CodeNotFound:
		return http.StatusNotFound
	case credits.CodeInsufficientBalance, credits.CodeIdempotencyReplay:
		return http.StatusConflict
	case credits.CodeSelfReference:
		return http.StatusUnprocessableEntity
	case credits.CodeUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// publicMessage returns the message safe to show a caller. Store and
// internal failures never expose their underlying text.
func publicMessage(code credits.Code, err error) string {
	switch code {
	case credits.CodeUnavailable:
		return "store temporarily unavailable, retry"
	case credits.CodeInternal, credits.CodeConsistencyViolation:
		return "internal error"
	case credits.CodeAuthRequired:
		return "missing or invalid bearer token"
	case credits.CodeInvalidSignature:
		return "signature verification failed"
	}
	return err.Error()
}

// writeError translates err through the taxonomy. Server-side failures are
// logged with the request id; the raw error stays server-side.
func writeError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	code := credits.CodeOf(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("code", string(code)),
			zap.Error(err))
	}
	writeJSON(w, status, ErrorBody{Error: ErrorDetail{Code: code, Message: publicMessage(code, err)}})
}

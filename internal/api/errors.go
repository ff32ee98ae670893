package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	apperrors "github.com/portfolio-aggregator/internal/errors"
	"github.com/portfolio-aggregator/internal/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Error: types.ServiceError{
			Code:    code,
			Message: message,
			Details: details,
		},
	}

	_ = json.NewEncoder(w).Encode(response)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// parseJSONBody parses JSON request body.
func parseJSONBody(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

// Common error codes
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// respondServiceError renders err with the status of its category. System
// failures are masked; everything else carries its code and details.
func respondServiceError(w http.ResponseWriter, err error) {
	status, code, message, details := mapServiceError(err)
	if catErr, ok := apperrors.As(err); ok && catErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(catErr.RetryAfter))
	}
	respondError(w, status, code, message, details)
}

// mapServiceError maps service errors to HTTP status codes.
func mapServiceError(err error) (int, string, string, map[string]interface{}) {
	catErr := apperrors.Categorize(err)
	if catErr == nil {
		return http.StatusInternalServerError, ErrCodeInternalError, "An internal error occurred", nil
	}

	switch catErr.Category {
	case apperrors.CategorySystem, apperrors.CategoryDatabase, apperrors.CategoryCache, apperrors.CategoryIntegrity:
		return http.StatusInternalServerError, ErrCodeInternalError, "An internal error occurred", nil
	}

	details := make(map[string]interface{}, len(catErr.Details)+1)
	for k, v := range catErr.Details {
		details[k] = v
	}
	if catErr.Category == apperrors.CategoryProvider || catErr.Category == apperrors.CategoryRateLimit {
		details["retryable"] = apperrors.IsRetryable(catErr)
	}
	if len(details) == 0 {
		details = nil
	}
	return catErr.StatusCode, catErr.Code, catErr.Message, details
}

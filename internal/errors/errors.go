// Package errors defines the error taxonomy shared by the vault, the provider
// adapters, the aggregator and the HTTP layer.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/portfolio-aggregator/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryUserInput represents user input errors (4xx)
	CategoryUserInput ErrorCategory = "user_input"
	// CategorySystem represents system errors (5xx)
	CategorySystem ErrorCategory = "system"
	// CategoryProvider represents errors raised by an external provider
	CategoryProvider ErrorCategory = "provider"
	// CategoryDatabase represents database errors
	CategoryDatabase ErrorCategory = "database"
	// CategoryCache represents cache errors
	CategoryCache ErrorCategory = "cache"
	// CategoryValidation represents validation errors
	CategoryValidation ErrorCategory = "validation"
	// CategoryAuthorization represents provider authorization errors
	CategoryAuthorization ErrorCategory = "authorization"
	// CategoryNotFound represents not found errors
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryRateLimit represents rate limit errors
	CategoryRateLimit ErrorCategory = "rate_limit"
	// CategoryIntegrity represents vault tamper or key mismatch
	CategoryIntegrity ErrorCategory = "integrity"
)

// Kind is the stable machine-readable error identity
type Kind string

const (
	KindInvalidCredentials   Kind = "INVALID_CREDENTIALS"
	KindSecondFactorRequired Kind = "SECOND_FACTOR_REQUIRED"
	KindProviderUnavailable  Kind = "PROVIDER_UNAVAILABLE"
	KindSessionExpired       Kind = "SESSION_EXPIRED"
	KindRateLimited          Kind = "RATE_LIMITED"
	KindIntegrity            Kind = "INTEGRITY_ERROR"
	KindValidation           Kind = "VALIDATION_ERROR"
	KindUnreachable          Kind = "PROVIDER_UNREACHABLE"
	KindProviderError        Kind = "PROVIDER_ERROR"
	KindNotFound             Kind = "NOT_FOUND"
	KindInternal             Kind = "INTERNAL_ERROR"
)

// ReasonAutomatedAccessBlocked marks a login rejected by an anti-bot page.
// Callers offer the manual session-token flow when they see it.
const ReasonAutomatedAccessBlocked = "automated-access-blocked"

// CategorizedError represents an error with kind, category and HTTP status code
type CategorizedError struct {
	Kind       Kind
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error

	Provider types.ProviderID
	// RetryAfter is the provider's retry hint in seconds (RateLimited only)
	RetryAfter int
	// HTTPStatus, ProviderCode and ProviderMessage describe a raw provider failure
	HTTPStatus      int
	ProviderCode    string
	ProviderMessage string
	// Reason refines ProviderUnavailable (maintenance, automated-access-blocked)
	Reason string
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	prefix := e.Code
	if e.Provider != "" {
		prefix = fmt.Sprintf("%s[%s]", e.Code, e.Provider)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to a ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// WithProvider stamps the provider on the error and its details
func (e *CategorizedError) WithProvider(p types.ProviderID) *CategorizedError {
	e.Provider = p
	if e.Details == nil {
		e.Details = map[string]interface{}{}
	}
	e.Details["provider"] = string(p)
	return e
}

func newError(kind Kind, category ErrorCategory, status int, message string) *CategorizedError {
	return &CategorizedError{
		Kind:       kind,
		Category:   category,
		StatusCode: status,
		Code:       string(kind),
		Message:    message,
		Details:    map[string]interface{}{},
	}
}

// Provider authentication errors

// NewInvalidCredentialsError is returned when a provider rejects the supplied credentials
func NewInvalidCredentialsError(provider types.ProviderID, message string) *CategorizedError {
	if message == "" {
		message = "invalid credentials"
	}
	return newError(KindInvalidCredentials, CategoryAuthorization, http.StatusUnauthorized, message).WithProvider(provider)
}

// NewSecondFactorRequiredError signals that login needs a one-time code. It is a
// sentinel for the connect flow, not a failure of the credentials.
func NewSecondFactorRequiredError(provider types.ProviderID) *CategorizedError {
	return newError(KindSecondFactorRequired, CategoryAuthorization, http.StatusAccepted, "second factor required").WithProvider(provider)
}

// NewSessionExpiredError is returned when a stored session is no longer accepted
func NewSessionExpiredError(provider types.ProviderID) *CategorizedError {
	return newError(KindSessionExpired, CategoryAuthorization, http.StatusUnauthorized, "session expired").WithProvider(provider)
}

// NewProviderUnavailableError covers maintenance windows and anti-automation blocks
func NewProviderUnavailableError(provider types.ProviderID, reason string) *CategorizedError {
	e := newError(KindProviderUnavailable, CategoryProvider, http.StatusServiceUnavailable,
		fmt.Sprintf("provider unavailable: %s", reason)).WithProvider(provider)
	e.Reason = reason
	e.Details["reason"] = reason
	return e
}

// Provider transport errors

// NewRateLimitedError creates a provider throttling error carrying the retry hint
func NewRateLimitedError(provider types.ProviderID, retryAfterSeconds int) *CategorizedError {
	e := newError(KindRateLimited, CategoryRateLimit, http.StatusTooManyRequests, "provider rate limit exceeded").WithProvider(provider)
	e.RetryAfter = retryAfterSeconds
	e.Details["retryAfter"] = retryAfterSeconds
	return e
}

// NewUnreachableError is returned for transport failures and timeouts
func NewUnreachableError(provider types.ProviderID, cause error) *CategorizedError {
	e := newError(KindUnreachable, CategoryProvider, http.StatusGatewayTimeout, "provider unreachable").WithProvider(provider)
	e.Cause = cause
	return e
}

// NewProviderError wraps a non-2xx provider response
func NewProviderError(provider types.ProviderID, httpStatus int, providerCode, providerMessage string) *CategorizedError {
	msg := fmt.Sprintf("provider returned HTTP %d", httpStatus)
	if providerMessage != "" {
		msg = fmt.Sprintf("%s: %s", msg, providerMessage)
	}
	e := newError(KindProviderError, CategoryProvider, http.StatusBadGateway, msg).WithProvider(provider)
	e.HTTPStatus = httpStatus
	e.ProviderCode = providerCode
	e.ProviderMessage = providerMessage
	e.Details["httpStatus"] = httpStatus
	if providerCode != "" {
		e.Details["providerCode"] = providerCode
	}
	return e
}

// Vault errors

// NewIntegrityError is returned when a credential envelope fails authentication.
// It is never retryable.
func NewIntegrityError(cause error) *CategorizedError {
	e := newError(KindIntegrity, CategoryIntegrity, http.StatusInternalServerError, "credential envelope failed integrity check")
	e.Cause = cause
	return e
}

// Caller errors

// NewValidationError reports missing or malformed caller input
func NewValidationError(param string, reason string) *CategorizedError {
	e := newError(KindValidation, CategoryValidation, http.StatusBadRequest,
		fmt.Sprintf("invalid parameter '%s': %s", param, reason))
	e.Details["parameter"] = param
	e.Details["reason"] = reason
	return e
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	e := newError(KindNotFound, CategoryNotFound, http.StatusNotFound, fmt.Sprintf("%s not found: %s", resource, id))
	e.Details["resource"] = resource
	e.Details["id"] = id
	return e
}

// System errors

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	e := newError(KindInternal, CategorySystem, http.StatusInternalServerError, message)
	e.Cause = cause
	return e
}

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	e := newError(KindInternal, CategoryDatabase, http.StatusInternalServerError,
		fmt.Sprintf("database error during %s", operation))
	e.Code = "DATABASE_ERROR"
	e.Cause = cause
	e.Details["operation"] = operation
	return e
}

// NewCacheError creates a cache error
func NewCacheError(operation string, cause error) *CategorizedError {
	e := newError(KindInternal, CategoryCache, http.StatusInternalServerError,
		fmt.Sprintf("cache error during %s", operation))
	e.Code = "CACHE_ERROR"
	e.Cause = cause
	e.Details["operation"] = operation
	return e
}

// As finds the first CategorizedError in err's chain
func As(err error) (*CategorizedError, bool) {
	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindInternal for uncategorized errors
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if catErr, ok := As(err); ok {
		return catErr.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind anywhere in its chain
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	if catErr, ok := As(err); ok {
		return catErr
	}

	var svcErr *types.ServiceError
	if stderrors.As(err, &svcErr) {
		return categorizeServiceError(svcErr)
	}

	return NewInternalError("unexpected error", err)
}

// categorizeServiceError categorizes a ServiceError
func categorizeServiceError(err *types.ServiceError) *CategorizedError {
	e := &CategorizedError{
		Code:    err.Code,
		Message: err.Message,
		Details: err.Details,
	}
	switch err.Code {
	case string(KindValidation), "INVALID_INPUT":
		e.Kind, e.Category, e.StatusCode = KindValidation, CategoryValidation, http.StatusBadRequest
	case string(KindNotFound), "CONNECTION_NOT_FOUND":
		e.Kind, e.Category, e.StatusCode = KindNotFound, CategoryNotFound, http.StatusNotFound
	default:
		e.Kind, e.Category, e.StatusCode = KindInternal, CategorySystem, http.StatusInternalServerError
	}
	return e
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable reports whether a later call may succeed without user action.
// The core never retries on its own; this only drives the hint shown to callers.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindUnreachable:
		return true
	case KindProviderUnavailable:
		catErr, _ := As(err)
		return catErr.Reason != ReasonAutomatedAccessBlocked
	default:
		return false
	}
}

// IsUserError determines if an error is a user error (4xx)
func IsUserError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	return catErr.StatusCode >= 400 && catErr.StatusCode < 500
}

// IsAuthFailure reports whether the provider rejected the stored authorization
func IsAuthFailure(err error) bool {
	k := KindOf(err)
	return k == KindSessionExpired || k == KindInvalidCredentials
}

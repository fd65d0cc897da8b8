package errors

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorType represents the type of error
type ErrorType string

const (
	// ErrTypeInvalidRequest represents a missing or unparseable target URL
	ErrTypeInvalidRequest ErrorType = "invalid_request"
	// ErrTypeDomainNotAllowed represents a target host outside the upstream allowlist
	ErrTypeDomainNotAllowed ErrorType = "domain_not_allowed"
	// ErrTypeQuotaExceeded represents an exhausted provider daily quota
	ErrTypeQuotaExceeded ErrorType = "quota_exceeded"
	// ErrTypeRateLimited represents an exhausted provider burst budget
	ErrTypeRateLimited ErrorType = "rate_limited"
	// ErrTypeUpstreamTimeout represents a cancelled upstream call
	ErrTypeUpstreamTimeout ErrorType = "upstream_timeout"
	// ErrTypeUpstreamHTTP represents a non-2xx response from a provider
	ErrTypeUpstreamHTTP ErrorType = "upstream_http"
	// ErrTypeUpstreamShape represents a non-JSON or provider-reported error payload
	ErrTypeUpstreamShape ErrorType = "upstream_shape"
	// ErrTypeFormula represents an invalid or unsafe formula expression
	ErrTypeFormula ErrorType = "formula"
	// ErrTypeInternal represents internal system errors
	ErrTypeInternal ErrorType = "internal"
)

// AppError represents a structured application error
type AppError struct {
	Type    ErrorType              `json:"type"`
	Message string                 `json:"message"`
	Code    string                 `json:"code,omitempty"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	parts := []string{string(e.Type), e.Message}

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause=%v", e.Cause))
	}

	if len(e.Context) > 0 {
		contextParts := make([]string, 0, len(e.Context))
		for k, v := range e.Context {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, v))
		}
		parts = append(parts, fmt.Sprintf("context={%s}", strings.Join(contextParts, ", ")))
	}

	return strings.Join(parts, ": ")
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithCode adds an error code
func (e *AppError) WithCode(code string) *AppError {
	e.Code = code
	return e
}

// InvalidRequestError creates an error for a missing or malformed target URL
func InvalidRequestError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeInvalidRequest,
		Message: msg,
	}
}

// DomainNotAllowedError creates an error for a host outside the allowlist
func DomainNotAllowedError(host string) *AppError {
	return &AppError{
		Type:    ErrTypeDomainNotAllowed,
		Message: fmt.Sprintf("domain %s is not allowed", host),
	}
}

// QuotaExceededError creates an error for an exhausted daily quota
func QuotaExceededError(provider string) *AppError {
	return &AppError{
		Type:    ErrTypeQuotaExceeded,
		Message: fmt.Sprintf("daily quota exceeded for %s", provider),
	}
}

// RateLimitedError creates an error for an exhausted burst budget
func RateLimitedError(provider string) *AppError {
	return &AppError{
		Type:    ErrTypeRateLimited,
		Message: fmt.Sprintf("rate limit exceeded for %s", provider),
	}
}

// UpstreamTimeoutError creates an error for a cancelled upstream call
func UpstreamTimeoutError(url string) *AppError {
	return &AppError{
		Type:    ErrTypeUpstreamTimeout,
		Message: fmt.Sprintf("upstream request timed out: %s", url),
	}
}

// UpstreamHTTPError creates an error for a non-2xx provider response
func UpstreamHTTPError(status int, msg string) *AppError {
	return &AppError{
		Type:    ErrTypeUpstreamHTTP,
		Message: msg,
		Context: map[string]interface{}{"status": status},
	}
}

// UpstreamShapeError creates an error for a non-JSON or error-shaped payload
func UpstreamShapeError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeUpstreamShape,
		Message: msg,
	}
}

// FormulaError creates an error for an invalid or unsafe formula
func FormulaError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeFormula,
		Message: msg,
	}
}

// InternalError creates a new internal error
func InternalError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeInternal,
		Message: msg,
		Cause:   cause,
	}
}

// IsType checks if an error is of a specific type
func IsType(err error, errType ErrorType) bool {
	if err == nil {
		return false
	}

	appErr, ok := err.(*AppError)
	if !ok {
		return false
	}

	return appErr.Type == errType
}

// GetType returns the error type if it's an AppError, otherwise returns ErrTypeInternal
func GetType(err error) ErrorType {
	if err == nil {
		return ""
	}

	appErr, ok := err.(*AppError)
	if !ok {
		return ErrTypeInternal
	}

	return appErr.Type
}

// HTTPStatus maps an error to the status code the gateway responds with
func HTTPStatus(err error) int {
	switch GetType(err) {
	case ErrTypeInvalidRequest:
		return http.StatusBadRequest
	case ErrTypeDomainNotAllowed:
		return http.StatusForbidden
	case ErrTypeQuotaExceeded, ErrTypeRateLimited:
		return http.StatusTooManyRequests
	case ErrTypeUpstreamTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

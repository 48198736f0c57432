package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is a client-facing error carrying the HTTP status and the stable
// error code rendered in the response envelope.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Common constructors, one per taxonomy entry.

func ErrValidation(msg, field string) *APIError {
	return &APIError{Status: http.StatusUnprocessableEntity, Code: "validation_error", Message: msg, Field: field}
}

func ErrInvalidToken(msg string) *APIError {
	return &APIError{Status: http.StatusUnauthorized, Code: "invalid_token", Message: msg}
}

func ErrInvalidKey(msg string) *APIError {
	return &APIError{Status: http.StatusUnauthorized, Code: "invalid_key", Message: msg}
}

func ErrUpgradeRequired(feature string) *APIError {
	return &APIError{Status: http.StatusPaymentRequired, Code: "upgrade_required",
		Message: fmt.Sprintf("feature %q requires a higher subscription tier", feature)}
}

func ErrForbidden(msg string) *APIError {
	return &APIError{Status: http.StatusForbidden, Code: "forbidden", Message: msg}
}

func ErrModelNotAllowed(model string) *APIError {
	return &APIError{Status: http.StatusForbidden, Code: "model_not_allowed",
		Message: fmt.Sprintf("model %q is not permitted for this key", model)}
}

func ErrNotFound(what string) *APIError {
	return &APIError{Status: http.StatusNotFound, Code: "not_found", Message: what + " not found"}
}

func ErrPayloadTooLarge(limit int64) *APIError {
	return &APIError{Status: http.StatusRequestEntityTooLarge, Code: "payload_too_large",
		Message: fmt.Sprintf("request body exceeds %d bytes", limit)}
}

func ErrRateLimited(msg string) *APIError {
	return &APIError{Status: http.StatusTooManyRequests, Code: "rate_limited", Message: msg}
}

func ErrUpstream(msg string) *APIError {
	return &APIError{Status: http.StatusBadGateway, Code: "upstream_error", Message: msg}
}

func ErrGatewayTimeout() *APIError {
	return &APIError{Status: http.StatusGatewayTimeout, Code: "gateway_timeout",
		Message: "request deadline exceeded"}
}

func ErrServiceUnavailable(msg string) *APIError {
	return &APIError{Status: http.StatusServiceUnavailable, Code: "service_unavailable", Message: msg}
}

func ErrInternal(msg string) *APIError {
	return &APIError{Status: http.StatusInternalServerError, Code: "internal_error", Message: msg}
}

// ErrRecordNotFound is the storage-level miss sentinel; stores return it so
// callers can map a miss to the right client error for their context.
var ErrRecordNotFound = errors.New("record not found")

// AsAPIError unwraps err to an *APIError if one is in the chain.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

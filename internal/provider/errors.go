package provider

import (
	"fmt"
	"net/http"
)

// Category classifies adapter failures. The pipeline retries Transient in
// place, short-circuits on client-origin failures, and advances candidates
// on everything else.
type Category string

const (
	CategoryInvalidCredentials    Category = "invalid_credentials"
	CategoryModelNotFound         Category = "model_not_found"
	CategoryRateLimitedUpstream   Category = "rate_limited_upstream"
	CategoryContextWindowExceeded Category = "context_window_exceeded"
	CategoryTransient             Category = "transient"
	CategoryPermanent             Category = "permanent"
)

// Error is a categorised upstream failure.
type Error struct {
	Category   Category
	Provider   string
	StatusCode int // upstream HTTP status, 0 when not applicable
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (%d): %s", e.Provider, e.Category, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Category, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the same candidate may be retried.
func (e *Error) Retryable() bool {
	return e.Category == CategoryTransient
}

// AdvancesFallback reports whether the pipeline should move to the next
// candidate rather than surface the error. Only client-origin failures stop
// the chain; a different provider may well serve anything else, including
// bad credentials or a permanent upstream fault.
func (e *Error) AdvancesFallback() bool {
	return !e.ClientOrigin()
}

// ClientOrigin reports whether the failure was caused by the caller's own
// request (bad payload, unknown model, oversized body). These short-circuit
// the fallback chain; trying another provider cannot fix them.
func (e *Error) ClientOrigin() bool {
	switch e.StatusCode {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusRequestEntityTooLarge:
		return true
	}
	return e.Category == CategoryContextWindowExceeded
}

// classifyStatus maps an upstream HTTP status to an error category.
func classifyStatus(status int) Category {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return CategoryInvalidCredentials
	case status == http.StatusNotFound:
		return CategoryModelNotFound
	case status == http.StatusTooManyRequests:
		return CategoryRateLimitedUpstream
	case status == http.StatusRequestEntityTooLarge:
		return CategoryContextWindowExceeded
	case status >= 500:
		return CategoryTransient
	default:
		return CategoryPermanent
	}
}

// upstreamError builds a categorised error from an upstream HTTP response.
func upstreamError(providerType string, status int, body string) *Error {
	if len(body) > 512 {
		body = body[:512]
	}
	return &Error{
		Category:   classifyStatus(status),
		Provider:   providerType,
		StatusCode: status,
		Message:    body,
	}
}

// transportError wraps a network-level failure (DNS, connect, reset) which
// is always worth one retry.
func transportError(providerType string, err error) *Error {
	return &Error{
		Category: CategoryTransient,
		Provider: providerType,
		Message:  err.Error(),
		Err:      err,
	}
}

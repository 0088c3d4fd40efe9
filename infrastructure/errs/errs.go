// Package errs provides the typed error taxonomy used across the
// orchestrator: every failure path returns one of a small set of
// well-known kinds so callers can dispatch on errors.As instead of
// string-matching messages.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure for retry and HTTP-mapping purposes.
type Kind string

const (
	// KindValidation marks a malformed or incomplete request. Never retried.
	KindValidation Kind = "VALIDATION"
	// KindDuplicateTransaction marks a request whose fingerprint already exists. Never retried.
	KindDuplicateTransaction Kind = "DUPLICATE_TRANSACTION"
	// KindBusinessRule marks a domain rule violation (e.g. missing required step input). Never retried.
	KindBusinessRule Kind = "BUSINESS_RULE"
	// KindTransientInfrastructure marks a failure the caller should retry (store, browser fleet, control plane).
	KindTransientInfrastructure Kind = "TRANSIENT_INFRASTRUCTURE"
	// KindSystemFatal marks an unrecoverable programming or configuration error.
	KindSystemFatal Kind = "SYSTEM_FATAL"
)

// Error is a structured error carrying a Kind, a message, the HTTP status
// it maps to, and the wrapped cause.
type Error struct {
	Kind       Kind
	Message    string
	HTTPStatus int
	Details    map[string]interface{}
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetail attaches a key/value pair for structured logging and returns e.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Retryable reports whether the sweeper should schedule a retry for this error.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransientInfrastructure
}

func newErr(kind Kind, message string, httpStatus int) *Error {
	return &Error{Kind: kind, Message: message, HTTPStatus: httpStatus}
}

func wrapErr(kind Kind, message string, httpStatus int, err error) *Error {
	return &Error{Kind: kind, Message: message, HTTPStatus: httpStatus, Err: err}
}

// Validation builds a KindValidation error for a malformed field.
func Validation(field, reason string) *Error {
	return newErr(KindValidation, "invalid input", http.StatusBadRequest).
		WithDetail("field", field).
		WithDetail("reason", reason)
}

// MissingParameter builds a KindValidation error for an absent required field.
func MissingParameter(param string) *Error {
	return newErr(KindValidation, "missing required parameter", http.StatusBadRequest).
		WithDetail("parameter", param)
}

// DuplicateTransaction builds a KindDuplicateTransaction error carrying the id
// of the run the caller should treat as authoritative instead.
func DuplicateTransaction(fingerprint, existingRunID string) *Error {
	return newErr(KindDuplicateTransaction, "duplicate transaction", http.StatusConflict).
		WithDetail("fingerprint", fingerprint).
		WithDetail("existing_run_id", existingRunID)
}

// BusinessRule builds a KindBusinessRule error for a domain rule violation.
func BusinessRule(message string) *Error {
	return newErr(KindBusinessRule, message, http.StatusUnprocessableEntity)
}

// StepRequired builds a KindBusinessRule error for a failed required step.
func StepRequired(step string, err error) *Error {
	return wrapErr(KindBusinessRule, "required step failed", http.StatusUnprocessableEntity, err).
		WithDetail("step", step)
}

// TransientInfrastructure wraps a retryable infrastructure failure (store,
// browser fleet, control plane, message bus).
func TransientInfrastructure(component string, err error) *Error {
	return wrapErr(KindTransientInfrastructure, "transient infrastructure failure", http.StatusServiceUnavailable, err).
		WithDetail("component", component)
}

// RateLimitExceeded builds a KindTransientInfrastructure error for a caller that exceeded its request budget.
func RateLimitExceeded(limit int, window string) *Error {
	return newErr(KindTransientInfrastructure, "rate limit exceeded", http.StatusTooManyRequests).
		WithDetail("limit", limit).
		WithDetail("window", window)
}

// Timeout builds a KindTransientInfrastructure error for an operation that exceeded its deadline.
func Timeout(operation string) *Error {
	return newErr(KindTransientInfrastructure, "operation timed out", http.StatusGatewayTimeout).
		WithDetail("operation", operation)
}

// SystemFatal wraps an unrecoverable configuration or programming error.
func SystemFatal(message string, err error) *Error {
	return wrapErr(KindSystemFatal, message, http.StatusInternalServerError, err)
}

// TransactionCreationFailed builds a KindSystemFatal error for an intake
// that could not persist its transaction record.
func TransactionCreationFailed(err error) *Error {
	return wrapErr(KindSystemFatal, "transaction creation failed", http.StatusInternalServerError, err)
}

// WorkflowStartupFailed builds a KindSystemFatal error for an intake where
// every launch for a run failed to be scheduled.
func WorkflowStartupFailed(err error) *Error {
	return wrapErr(KindSystemFatal, "workflow startup failed", http.StatusInternalServerError, err)
}

// CredentialNotFound builds a KindBusinessRule error for a credentials
// identifier with no known secret.
func CredentialNotFound(credentialsID string) *Error {
	return newErr(KindBusinessRule, "credential not found", http.StatusUnprocessableEntity).
		WithDetail("credentials_id", credentialsID)
}

// CredentialUnavailable builds a KindBusinessRule error for a credential
// resolver that failed for reasons other than a missing identifier.
func CredentialUnavailable(err error) *Error {
	return wrapErr(KindBusinessRule, "credential unavailable", http.StatusUnprocessableEntity, err)
}

// As extracts an *Error from err's chain, if present.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// Is reports whether err's chain contains an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	e := As(err)
	return e != nil && e.Kind == kind
}

// HTTPStatus maps err to the HTTP status code it should produce, defaulting
// to 500 for errors that are not of type *Error.
func HTTPStatus(err error) int {
	if e := As(err); e != nil {
		return e.HTTPStatus
	}
	return http.StatusInternalServerError
}

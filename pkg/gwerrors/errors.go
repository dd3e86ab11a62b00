// Package gwerrors defines the error taxonomy shared across the gateway.
package gwerrors

import (
	"errors"
	"fmt"
)

// Error types
const (
	// ErrInvalidRequest is returned for missing or malformed request
	// parameters on the auth endpoint.
	ErrInvalidRequest = "invalid_request"

	// ErrUnauthenticated is returned when no credential was presented or
	// the credential could not be resolved to a token.
	ErrUnauthenticated = "unauthenticated"

	// ErrInvalidToken is returned when a JWT fails signature or structural
	// verification.
	ErrInvalidToken = "invalid_token"

	// ErrExpired is returned when a token is past its expiration.
	ErrExpired = "expired"

	// ErrWrongAudience is returned when a token's audience does not match
	// any configured audience for its issuer.
	ErrWrongAudience = "wrong_audience"

	// ErrUntrustedIssuer is returned when a token's issuer is not in the
	// trusted issuer set.
	ErrUntrustedIssuer = "untrusted_issuer"

	// ErrDenied is returned when an authenticated caller fails the
	// capability check.
	ErrDenied = "denied"

	// ErrPermissionDenied is returned when an owner-only or admin-only
	// operation is attempted by someone else.
	ErrPermissionDenied = "permission_denied"

	// ErrValidation is returned for semantically invalid input: unknown
	// scopes, lifetimes below the minimum, malformed usernames.
	ErrValidation = "validation"

	// ErrUpstreamUnavailable is returned when a JWKS fetch or provider
	// call failed.
	ErrUpstreamUnavailable = "upstream_unavailable"

	// ErrStorage is returned when the key-value or relational store is
	// unreachable. The decision engine never falls back to allow.
	ErrStorage = "storage"

	// ErrInsufficientLifetime is returned when a child token cannot be
	// issued because the parent has too little lifetime left.
	ErrInsufficientLifetime = "insufficient_lifetime"
)

// Error represents an error in the gateway.
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new error of the given type.
func New(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// TypeOf returns the taxonomy type of err, or the empty string if err is
// not a gateway error.
func TypeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ""
}

func is(err error, errorType string) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == errorType
}

// IsInvalidRequest checks if the error is an invalid request error.
func IsInvalidRequest(err error) bool { return is(err, ErrInvalidRequest) }

// IsUnauthenticated checks if the error is an unauthenticated error.
func IsUnauthenticated(err error) bool { return is(err, ErrUnauthenticated) }

// IsInvalidToken checks if the error is an invalid token error.
func IsInvalidToken(err error) bool { return is(err, ErrInvalidToken) }

// IsExpired checks if the error is an expired token error.
func IsExpired(err error) bool { return is(err, ErrExpired) }

// IsWrongAudience checks if the error is a wrong audience error.
func IsWrongAudience(err error) bool { return is(err, ErrWrongAudience) }

// IsUntrustedIssuer checks if the error is an untrusted issuer error.
func IsUntrustedIssuer(err error) bool { return is(err, ErrUntrustedIssuer) }

// IsDenied checks if the error is a capability denial.
func IsDenied(err error) bool { return is(err, ErrDenied) }

// IsPermissionDenied checks if the error is a permission denied error.
func IsPermissionDenied(err error) bool { return is(err, ErrPermissionDenied) }

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool { return is(err, ErrValidation) }

// IsUpstreamUnavailable checks if the error is an upstream availability error.
func IsUpstreamUnavailable(err error) bool { return is(err, ErrUpstreamUnavailable) }

// IsStorage checks if the error is a storage error.
func IsStorage(err error) bool { return is(err, ErrStorage) }

// IsInsufficientLifetime checks if the error is an insufficient lifetime error.
func IsInsufficientLifetime(err error) bool { return is(err, ErrInsufficientLifetime) }

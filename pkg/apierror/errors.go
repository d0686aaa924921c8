// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

// Package apierror defines the error taxonomy shared by every service
// component, and its mapping onto HTTP responses.
package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Error kinds
const (
	// ErrInvalidRequest is returned for malformed bodies, invalid PFN
	// prefixes, bad search parameters and unsupported challenge methods.
	ErrInvalidRequest = "invalid_request"

	// ErrAuthenticationRequired is returned for missing, malformed or
	// unverifiable tokens.
	ErrAuthenticationRequired = "authentication_required"

	// ErrPermissionDenied is returned for policy rejections, wrong token
	// types and missing security properties.
	ErrPermissionDenied = "permission_denied"

	// ErrNotFound is returned when a resource does not exist.
	ErrNotFound = "not_found"

	// ErrConflict is returned on duplicate insertion.
	ErrConflict = "conflict"

	// ErrUpgradeRequired is returned when the client is below the minimum
	// supported version.
	ErrUpgradeRequired = "upgrade_required"

	// ErrUnavailable is returned when the configuration is not yet loaded,
	// a gated endpoint is disabled, or a backing store is unreachable.
	ErrUnavailable = "unavailable"

	// ErrInternal is returned when there is an internal error.
	ErrInternal = "internal"
)

// httpStatus maps error kinds to HTTP status codes.
var httpStatus = map[string]int{
	ErrInvalidRequest:         http.StatusBadRequest,
	ErrAuthenticationRequired: http.StatusUnauthorized,
	ErrPermissionDenied:       http.StatusForbidden,
	ErrNotFound:               http.StatusNotFound,
	ErrConflict:               http.StatusConflict,
	ErrUpgradeRequired:        http.StatusUpgradeRequired,
	ErrUnavailable:            http.StatusServiceUnavailable,
	ErrInternal:               http.StatusInternalServerError,
}

// Error represents an error in the application.
type Error struct {
	// Type is the error kind.
	Type string

	// Message is the error message.
	Message string

	// Cause is the underlying error.
	Cause error
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error.
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewInvalidRequestError creates a new invalid request error.
func NewInvalidRequestError(message string, cause error) *Error {
	return NewError(ErrInvalidRequest, message, cause)
}

// NewAuthenticationRequiredError creates a new authentication required error.
func NewAuthenticationRequiredError(message string, cause error) *Error {
	return NewError(ErrAuthenticationRequired, message, cause)
}

// NewPermissionDeniedError creates a new permission denied error.
func NewPermissionDeniedError(message string, cause error) *Error {
	return NewError(ErrPermissionDenied, message, cause)
}

// NewNotFoundError creates a new not found error.
func NewNotFoundError(message string, cause error) *Error {
	return NewError(ErrNotFound, message, cause)
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, cause error) *Error {
	return NewError(ErrConflict, message, cause)
}

// NewUnavailableError creates a new unavailable error.
func NewUnavailableError(message string, cause error) *Error {
	return NewError(ErrUnavailable, message, cause)
}

// NewInternalError creates a new internal error.
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message, cause)
}

// IsInvalidRequest checks if the error is an invalid request error.
func IsInvalidRequest(err error) bool {
	return isKind(err, ErrInvalidRequest)
}

// IsAuthenticationRequired checks if the error is an authentication required error.
func IsAuthenticationRequired(err error) bool {
	return isKind(err, ErrAuthenticationRequired)
}

// IsPermissionDenied checks if the error is a permission denied error.
func IsPermissionDenied(err error) bool {
	return isKind(err, ErrPermissionDenied)
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return isKind(err, ErrNotFound)
}

// IsConflict checks if the error is a conflict error.
func IsConflict(err error) bool {
	return isKind(err, ErrConflict)
}

// IsUnavailable checks if the error is an unavailable error.
func IsUnavailable(err error) bool {
	return isKind(err, ErrUnavailable)
}

func isKind(err error, kind string) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == kind
}

// detailBody is the stable JSON error shape surfaced at the HTTP boundary.
type detailBody struct {
	Detail string `json:"detail"`
}

// WriteHTTP writes err to w using the stable {"detail": ...} shape.
// Unknown errors surface as 500 with no detail leakage.
func WriteHTTP(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	detail := "Internal Server Error"

	var e *Error
	if errors.As(err, &e) {
		if s, ok := httpStatus[e.Type]; ok {
			status = s
		}
		if e.Type != ErrInternal {
			detail = e.Message
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(detailBody{Detail: detail})
}

// WriteDetail writes a JSON {"detail": ...} body with an explicit status.
func WriteDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(detailBody{Detail: detail})
}

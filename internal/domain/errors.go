/**
 * @description
 * Error taxonomy shared by the gateway, the API clients and the synchronizer.
 * Callers test for the authentication sentinels with errors.Is before looking at
 * HTTP status codes.
 */
package domain

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotAuthenticated is returned when no access token is present; no request is sent.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrAuthenticationFailed is returned when the refresh exchange failed and the session was ended.
	ErrAuthenticationFailed = errors.New("authentication failed: session expired")
)

// HTTPError is a non-2xx response from the backend. Detail holds the server's
// {"detail": ...} text when the body could be parsed.
type HTTPError struct {
	Status int
	Detail string
}

func (e *HTTPError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("backend returned status %d: %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("backend returned status %d", e.Status)
}

// NetworkError wraps a transport-level failure (offline, DNS, timeout).
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ValidationError is a client-side rejection raised before any request is made.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewValidationError builds a ValidationError.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// UserMessage returns the text shown to the operator for err. Server detail wins
// when available; otherwise a generic message is used.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var httpErr *HTTPError
	var netErr *NetworkError
	var valErr *ValidationError

	switch {
	case errors.Is(err, ErrNotAuthenticated):
		return "Please log in to continue."
	case errors.Is(err, ErrAuthenticationFailed):
		return "Session expired. Please log in again."
	case errors.As(err, &valErr):
		return valErr.Error()
	case errors.As(err, &httpErr):
		if httpErr.Detail != "" {
			return httpErr.Detail
		}
		return fmt.Sprintf("Request failed (%d %s).", httpErr.Status, http.StatusText(httpErr.Status))
	case errors.As(err, &netErr):
		return "Unable to reach the server. Check your connection and try again."
	default:
		return "Something went wrong. Please try again."
	}
}

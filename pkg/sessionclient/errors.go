package sessionclient

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error taxonomy surfaced by the client layer.
var (
	// ErrTransientNetwork indicates the request never produced an HTTP response.
	// Callers may retry; this layer does not.
	ErrTransientNetwork = errors.New("sessionclient.transient_network")
	// ErrCredentialExpired indicates the server rejected the access token as expired.
	ErrCredentialExpired = errors.New("sessionclient.credential_expired")
	// ErrRefreshFailed indicates the access token could not be renewed; the session is gone.
	ErrRefreshFailed = errors.New("sessionclient.refresh_failed")
	// ErrValidation indicates caller-supplied input was rejected before dispatch.
	ErrValidation = errors.New("sessionclient.validation")
	// ErrNotAuthenticated indicates an operation that needs a session ran without one.
	ErrNotAuthenticated = errors.New("sessionclient.not_authenticated")
	// ErrSessionReplaced indicates the session was signed out or replaced while the operation was in flight.
	ErrSessionReplaced = errors.New("sessionclient.session_replaced")
	// ErrMalformedResponse indicates a 2xx response whose body did not match the expected shape.
	ErrMalformedResponse = errors.New("sessionclient.malformed_response")
)

// ApplicationError is a non-2xx response. Message is the server's text, passed through verbatim.
type ApplicationError struct {
	Status  int
	Code    string
	Message string
}

// Error implements the error interface.
func (applicationError *ApplicationError) Error() string {
	if applicationError.Code != "" {
		return fmt.Sprintf("sessionclient.application_error [%s] (HTTP %d): %s", applicationError.Code, applicationError.Status, applicationError.Message)
	}
	return fmt.Sprintf("sessionclient.application_error (HTTP %d): %s", applicationError.Status, applicationError.Message)
}

// Is lets errors.Is(err, ErrCredentialExpired) match an expired-token rejection.
func (applicationError *ApplicationError) Is(target error) bool {
	return target == ErrCredentialExpired && applicationError.Status == http.StatusUnauthorized
}

// IsAuthorizationFailure reports whether the server refused the caller's identity.
func (applicationError *ApplicationError) IsAuthorizationFailure() bool {
	return applicationError.Status == http.StatusUnauthorized || applicationError.Status == http.StatusForbidden
}

// ValidationError describes input rejected before dispatch.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (validationError *ValidationError) Error() string {
	if validationError.Field == "" {
		return "sessionclient.validation: " + validationError.Message
	}
	return fmt.Sprintf("sessionclient.validation: %s: %s", validationError.Field, validationError.Message)
}

// Unwrap exposes ErrValidation.
func (validationError *ValidationError) Unwrap() error {
	return ErrValidation
}

const (
	messageSessionExpired = "Your session has expired. Please sign in again."
	messageNetwork        = "Unable to reach the server. Please check your connection and try again."
	messageCancelled      = "The request was cancelled."
	messageUnexpected     = "Something went wrong. Please try again."
	messageSignInRequired = "You must be signed in to do that."
	messageSessionChanged = "Your session changed while the request was in progress. Please try again."
)

// UserMessage converts an error from this package into text suitable for display.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var validationError *ValidationError
	if errors.As(err, &validationError) {
		return validationError.Message
	}
	if errors.Is(err, ErrRefreshFailed) {
		return messageSessionExpired
	}
	if errors.Is(err, ErrNotAuthenticated) {
		return messageSignInRequired
	}
	if errors.Is(err, ErrSessionReplaced) {
		return messageSessionChanged
	}
	var applicationError *ApplicationError
	if errors.As(err, &applicationError) {
		if strings.TrimSpace(applicationError.Message) != "" {
			return applicationError.Message
		}
		return http.StatusText(applicationError.Status)
	}
	if errors.Is(err, ErrTransientNetwork) {
		return messageNetwork
	}
	if isContextError(err) {
		return messageCancelled
	}
	return messageUnexpected
}

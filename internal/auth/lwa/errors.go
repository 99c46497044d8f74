package lwa

import (
	"errors"
	"fmt"
)

// OAuthError represents a structured error returned by the identity provider,
// either through the callback redirect or from the token endpoint.
type OAuthError struct {
	// Code is the OAuth error code (e.g. "access_denied", "invalid_grant").
	Code string `json:"error"`
	// Description is a human-readable description of the error.
	Description string `json:"error_description,omitempty"`
	// StatusCode is the HTTP status code associated with the error, when the
	// error originated from a token endpoint response.
	StatusCode int `json:"-"`
}

// Error returns a string representation of the OAuth error.
func (e *OAuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("OAuth error %s: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("OAuth error: %s", e.Code)
}

// NewOAuthError creates a new OAuth error with the specified code, description, and status code.
func NewOAuthError(code, description string, statusCode int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		StatusCode:  statusCode,
	}
}

// IsOAuthError checks if an error is an OAuth error.
func IsOAuthError(err error) bool {
	var oAuthError *OAuthError
	return errors.As(err, &oAuthError)
}

// HTTPError represents a non-2xx token endpoint response whose body could not
// be decoded as a structured OAuth error.
type HTTPError struct {
	// StatusCode is the HTTP status code of the response.
	StatusCode int
	// Body is the raw response body, kept for diagnostics.
	Body string
}

// Error returns a string representation of the HTTP error.
func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("token endpoint returned status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("token endpoint returned status %d", e.StatusCode)
}

// Listener and URL construction errors.
var (
	// ErrAlreadyRunning is returned when Start is called on a listener that is
	// already bound without an intervening Stop.
	ErrAlreadyRunning = errors.New("callback listener is already running")

	// ErrFailedToStart is returned when the listener cannot bind its port.
	ErrFailedToStart = errors.New("failed to start callback listener")

	// ErrFailedToGetPort is returned when the bound address cannot be resolved
	// to a TCP port.
	ErrFailedToGetPort = errors.New("failed to determine callback listener port")

	// ErrInvalidRequest is returned when the callback request is not a GET or
	// could not be parsed as an HTTP request.
	ErrInvalidRequest = errors.New("invalid callback request")

	// ErrInvalidCallbackPath is returned when the single received request does
	// not target the callback path.
	ErrInvalidCallbackPath = errors.New("request path is not the callback path")

	// ErrMissingCode is returned when the callback carries neither a code nor
	// an error parameter.
	ErrMissingCode = errors.New("callback request is missing the authorization code")

	// ErrInvalidURL is returned when the authorization URL cannot be built
	// from the configured endpoints.
	ErrInvalidURL = errors.New("invalid authorization URL")

	// ErrInvalidResponse is returned when a 200 token endpoint response cannot
	// be decoded as a token payload.
	ErrInvalidResponse = errors.New("invalid token endpoint response")

	// ErrPKCEGeneration is returned when the system entropy source fails while
	// generating PKCE material or the CSRF state.
	ErrPKCEGeneration = errors.New("failed to generate PKCE material")
)

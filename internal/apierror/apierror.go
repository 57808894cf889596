// Package apierror defines the errors the token handler returns to the SPA.
//
// Client errors are caused by the caller and carry a stable code and a safe
// message. Server errors are caused by this service or its dependencies; the
// caller only sees a generic message and an instance id that can be matched
// against the server log.
package apierror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/dgellow/token-handler/internal/cookie"
	"github.com/dgellow/token-handler/internal/crypto"
)

// Error codes
const (
	CodeRouteNotFound           = "route_not_found"
	CodeMissingWebOrigin        = "missing_web_origin"
	CodeUntrustedWebOrigin      = "untrusted_web_origin"
	CodeCookieNotFound          = "cookie_not_found"
	CodeCookieDecryptionError   = "cookie_decryption_error"
	CodeMissingCSRFToken        = "missing_csrf_token"
	CodeMismatchedCSRFToken     = "mismatched_csrf_token"
	CodeFormFieldNotFound       = "form_field_not_found"
	CodeInvalidRequest          = "invalid_request"
	CodeInvalidState            = "invalid_state"
	CodeSessionExpired          = "session_expired"
	CodeHTTPRequestError        = "http_request_error"
	CodeInvalidOAuthResponse    = "invalid_oauth_response"
	CodeIDTokenValidationFailed = "id_token_validation_failed"
	CodeServerError             = "server_error"
)

const genericServerMessage = "A technical problem occurred in the token handler"

// ClientError is a 4xx caused by caller behaviour
type ClientError struct {
	Status  int
	Code    string
	Message string
	// Details are logged but never returned to the caller
	Details map[string]any
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ServerError is a 5xx caused by this service or one of its dependencies
type ServerError struct {
	Status     int
	Code       string
	InstanceID string
	Details    map[string]any
	Err        error
}

func (e *ServerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *ServerError) Unwrap() error {
	return e.Err
}

// NewClientError creates a client error
func NewClientError(status int, code, message string) *ClientError {
	return &ClientError{Status: status, Code: code, Message: message}
}

// NewServerError creates a server error with a fresh instance id
func NewServerError(status int, code string, err error) *ServerError {
	return &ServerError{
		Status:     status,
		Code:       code,
		InstanceID: uuid.NewString(),
		Err:        err,
	}
}

// WithDetails attaches log-only details and returns the error
func (e *ClientError) WithDetails(details map[string]any) *ClientError {
	e.Details = details
	return e
}

// WithDetails attaches log-only details and returns the error
func (e *ServerError) WithDetails(details map[string]any) *ServerError {
	e.Details = details
	return e
}

func RouteNotFound() *ClientError {
	return NewClientError(http.StatusNotFound, CodeRouteNotFound, "The API route requested does not exist")
}

func MissingWebOrigin() *ClientError {
	return NewClientError(http.StatusUnauthorized, CodeMissingWebOrigin, "The request did not have a web origin header")
}

func UntrustedWebOrigin(origin string) *ClientError {
	return NewClientError(http.StatusUnauthorized, CodeUntrustedWebOrigin, "The request was from an untrusted web origin").
		WithDetails(map[string]any{"origin": origin})
}

// MissingCookie is returned when a cookie the operation depends on is absent
func MissingCookie(name string) *ClientError {
	return NewClientError(http.StatusUnauthorized, CodeCookieNotFound, "No "+name+" cookie was supplied").
		WithDetails(map[string]any{"cookie": name})
}

func MissingFormField(field string) *ClientError {
	return NewClientError(http.StatusBadRequest, CodeFormFieldNotFound, "The "+field+" field was missing in the request body")
}

func InvalidRequest(message string) *ClientError {
	return NewClientError(http.StatusBadRequest, CodeInvalidRequest, message)
}

func InvalidState() *ClientError {
	return NewClientError(http.StatusUnauthorized, CodeInvalidState, "The state did not match the value stored in the state cookie")
}

func SessionExpired() *ClientError {
	return NewClientError(http.StatusUnauthorized, CodeSessionExpired, "The session has expired and the user must re-authenticate")
}

// LoginResponseError carries the error the authorization server returned
// on the front channel redirect.
func LoginResponseError(code, description string) *ClientError {
	if description == "" {
		description = "Login failed at the Authorization Server"
	}
	return NewClientError(http.StatusBadRequest, code, description)
}

func HTTPRequestError(target string, err error) *ServerError {
	return NewServerError(http.StatusBadGateway, CodeHTTPRequestError, err).
		WithDetails(map[string]any{"url": target})
}

func InvalidOAuthResponse(err error) *ServerError {
	return NewServerError(http.StatusBadGateway, CodeInvalidOAuthResponse, err)
}

func IDTokenValidationFailed(err error) *ServerError {
	return NewServerError(http.StatusInternalServerError, CodeIDTokenValidationFailed, err)
}

// Internal wraps an unexpected error as a server error
func Internal(err error) *ServerError {
	return NewServerError(http.StatusInternalServerError, CodeServerError, err)
}

// FromCookieError maps cipher and CSRF failures to client errors. Decryption
// failures are reported as 401 so the SPA re-authenticates.
func FromCookieError(err error) error {
	switch {
	case errors.Is(err, crypto.ErrMalformedCookie), errors.Is(err, crypto.ErrCookieDecryptionFailed):
		return NewClientError(http.StatusUnauthorized, CodeCookieDecryptionError, "A received cookie failed decryption").
			WithDetails(map[string]any{"cause": err.Error()})
	case errors.Is(err, cookie.ErrMissingCSRFCookie):
		return NewClientError(http.StatusUnauthorized, CodeCookieNotFound, "No CSRF cookie was supplied").
			WithDetails(map[string]any{"cookie": "csrf"})
	case errors.Is(err, cookie.ErrMissingCSRFHeader):
		return NewClientError(http.StatusUnauthorized, CodeMissingCSRFToken, "The CSRF header was missing from the request")
	case errors.Is(err, cookie.ErrCSRFMismatch):
		return NewClientError(http.StatusUnauthorized, CodeMismatchedCSRFToken, "The CSRF header did not match the CSRF cookie")
	}
	return Internal(err)
}

package core

import (
	"errors"
	"fmt"
)

// Error represents a failure surfaced to callers of the session coordinator
// and to clients of the HTTP API.
type Error struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Param     string    `json:"param,omitempty"`
	Code      string    `json:"code,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	// Status is the upstream HTTP status for ErrUpstream, zero otherwise.
	Status int   `json:"status,omitempty"`
	Cause  error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrConfigurationMissing ErrorType = "configuration_missing"
	ErrPermissionDenied     ErrorType = "permission_denied"
	ErrUpstream             ErrorType = "upstream_error"
	ErrConnectTimeout       ErrorType = "connect_timeout"
	ErrReplyTimeout         ErrorType = "reply_timeout"
	ErrTransport            ErrorType = "transport_error"
	ErrBusy                 ErrorType = "busy"

	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrAuthentication ErrorType = "authentication_error"
	ErrPermission     ErrorType = "permission_error"
	ErrNotFound       ErrorType = "not_found_error"
	ErrConflict       ErrorType = "conflict_error"
	ErrRateLimit      ErrorType = "rate_limit_error"
	ErrAPI            ErrorType = "api_error"
)

// Authentication error codes.
const (
	CodeInvalidCredentials = "invalid_credentials"
	CodeAccountLocked      = "account_locked"
	CodeSessionExpired     = "session_expired"
)

func NewConfigurationMissingError(message, param string) *Error {
	return &Error{Type: ErrConfigurationMissing, Message: message, Param: param}
}

func NewPermissionDeniedError(message string) *Error {
	return &Error{Type: ErrPermissionDenied, Message: message}
}

// NewUpstreamError records a non-success response from a third-party service.
// The body is truncated to keep error strings short.
func NewUpstreamError(service string, status int, body string) *Error {
	if len(body) > 100 {
		body = body[:100]
	}
	msg := fmt.Sprintf("%s: %d", service, status)
	if body != "" {
		msg += " " + body
	}
	return &Error{Type: ErrUpstream, Message: msg, Status: status}
}

func NewConnectTimeoutError(message string) *Error {
	return &Error{Type: ErrConnectTimeout, Message: message}
}

func NewReplyTimeoutError(message string) *Error {
	return &Error{Type: ErrReplyTimeout, Message: message}
}

func NewTransportError(message string, cause error) *Error {
	return &Error{Type: ErrTransport, Message: message, Cause: cause}
}

func NewBusyError(message string) *Error {
	return &Error{Type: ErrBusy, Message: message}
}

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message}
}

// NewInvalidRequestErrorWithParam creates an invalid request error with a parameter.
func NewInvalidRequestErrorWithParam(message, param string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message, Param: param}
}

// NewAuthenticationError creates an authentication error.
func NewAuthenticationError(message string) *Error {
	return &Error{Type: ErrAuthentication, Message: message}
}

func NewInvalidCredentialsError() *Error {
	return &Error{Type: ErrAuthentication, Message: "invalid username or password", Code: CodeInvalidCredentials}
}

func NewAccountLockedError() *Error {
	return &Error{Type: ErrAuthentication, Message: "account is locked", Code: CodeAccountLocked}
}

func NewSessionExpiredError() *Error {
	return &Error{Type: ErrAuthentication, Message: "session expired, please log in again", Code: CodeSessionExpired}
}

// NewPermissionError creates a permission error.
func NewPermissionError(message string) *Error {
	return &Error{Type: ErrPermission, Message: message}
}

// NewNotFoundError creates a not found error.
func NewNotFoundError(message string) *Error {
	return &Error{Type: ErrNotFound, Message: message}
}

func NewConflictError(message string) *Error {
	return &Error{Type: ErrConflict, Message: message}
}

// NewRateLimitError creates a rate limit error.
func NewRateLimitError(message string) *Error {
	return &Error{Type: ErrRateLimit, Message: message}
}

// NewAPIError creates a generic API error.
func NewAPIError(message string) *Error {
	return &Error{Type: ErrAPI, Message: message}
}

// IsType reports whether err wraps a *Error of the given type.
func IsType(err error, typ ErrorType) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Type == typ
	}
	return false
}

// HasCode reports whether err wraps a *Error carrying code.
func HasCode(err error, code string) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}

// IsRecoverable reports whether the session can continue after err without
// user intervention on configuration or permissions.
func (e *Error) IsRecoverable() bool {
	switch e.Type {
	case ErrReplyTimeout, ErrConnectTimeout, ErrTransport, ErrUpstream, ErrBusy:
		return true
	default:
		return false
	}
}

package server

import "net/http"

// OAuth 2.0 error codes from RFC 6749, plus the broker's gate errors.
const (
	ErrorCodeInvalidRequest       = "invalid_request"
	ErrorCodeInvalidGrant         = "invalid_grant"
	ErrorCodeInvalidClient        = "invalid_client"
	ErrorCodeInvalidToken         = "invalid_token"
	ErrorCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrorCodeServerError          = "server_error"
	ErrorCodeAccessDenied         = "access_denied"
	ErrorCodeRateLimitExceeded    = "rate_limit_exceeded"
)

// Error is an OAuth 2.0 error with the HTTP status it should be served with.
// Flow methods return *Error for protocol failures so the HTTP layer can
// render them verbatim; any other error is an internal failure and must be
// surfaced as an opaque server_error.
type Error struct {
	Code        string
	Description string
	Status      int
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

// ErrInvalidRequest builds a 400 invalid_request error.
func ErrInvalidRequest(description string) *Error {
	return &Error{Code: ErrorCodeInvalidRequest, Description: description, Status: http.StatusBadRequest}
}

// ErrInvalidGrant builds a 400 invalid_grant error. Descriptions stay
// generic: consumed, expired, and never-issued codes must be
// indistinguishable to the caller.
func ErrInvalidGrant(description string) *Error {
	return &Error{Code: ErrorCodeInvalidGrant, Description: description, Status: http.StatusBadRequest}
}

// ErrInvalidClient builds a 401 invalid_client error.
func ErrInvalidClient(description string) *Error {
	return &Error{Code: ErrorCodeInvalidClient, Description: description, Status: http.StatusUnauthorized}
}

// ErrUnsupportedGrantType builds a 400 unsupported_grant_type error.
func ErrUnsupportedGrantType(description string) *Error {
	return &Error{Code: ErrorCodeUnsupportedGrantType, Description: description, Status: http.StatusBadRequest}
}

// ErrServerError builds an opaque 500. Detail belongs in the log, never here.
func ErrServerError() *Error {
	return &Error{Code: ErrorCodeServerError, Status: http.StatusInternalServerError}
}

package broker

import "github.com/relayauth/broker/server"

// Error is the OAuth error type returned by flow operations. Aliased from
// the server package so callers embedding the HTTP layer only import this
// package.
type Error = server.Error

// OAuth error codes, re-exported for callers matching on Error.Code.
const (
	ErrorCodeInvalidRequest       = server.ErrorCodeInvalidRequest
	ErrorCodeInvalidGrant         = server.ErrorCodeInvalidGrant
	ErrorCodeInvalidClient        = server.ErrorCodeInvalidClient
	ErrorCodeInvalidToken         = server.ErrorCodeInvalidToken
	ErrorCodeUnsupportedGrantType = server.ErrorCodeUnsupportedGrantType
	ErrorCodeServerError          = server.ErrorCodeServerError
	ErrorCodeAccessDenied         = server.ErrorCodeAccessDenied
	ErrorCodeRateLimitExceeded    = server.ErrorCodeRateLimitExceeded
)

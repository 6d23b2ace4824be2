package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// PKCE challenge methods. Only S256 is accepted; "plain" defeats the point
// of PKCE and is rejected everywhere.
const PKCEMethodS256 = "S256"

// RFC 7636 §4.1: code verifiers are 43-128 characters from the unreserved set.
const (
	minVerifierLength = 43
	maxVerifierLength = 128
)

// validateCodeChallenge checks the shape of PKCE parameters on the
// authorization request. The challenge is the base64url form of a SHA-256
// digest, so it has the same charset and a fixed 43-character length.
func validateCodeChallenge(challenge, method string) error {
	if method != PKCEMethodS256 {
		return fmt.Errorf("unsupported code_challenge_method %q (only S256 is supported)", method)
	}
	if len(challenge) != 43 {
		return fmt.Errorf("code_challenge must be 43 characters for S256")
	}
	if !isVerifierCharset(challenge) {
		return fmt.Errorf("code_challenge contains invalid characters")
	}
	return nil
}

// verifyPKCE checks a code verifier against the stored challenge: the
// base64url-encoded (unpadded) SHA-256 digest of the verifier must equal the
// challenge exactly. Comparison is constant-time.
func verifyPKCE(verifier, challenge, method string) error {
	if method != PKCEMethodS256 {
		return fmt.Errorf("unsupported code_challenge_method %q", method)
	}
	if len(verifier) < minVerifierLength || len(verifier) > maxVerifierLength {
		return fmt.Errorf("code_verifier length must be between %d and %d characters", minVerifierLength, maxVerifierLength)
	}
	if !isVerifierCharset(verifier) {
		return fmt.Errorf("code_verifier contains invalid characters")
	}

	digest := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(digest[:])

	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}
	return nil
}

func isVerifierCharset(s string) bool {
	for _, c := range []byte(s) {
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '.' || c == '_' || c == '~':
		default:
			return false
		}
	}
	return true
}

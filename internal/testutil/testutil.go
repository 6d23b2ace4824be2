// Package testutil provides shared helpers for the broker's tests.
package testutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"testing"
)

// GenerateRandomString returns a URL-safe random string of roughly n bytes
// of entropy.
func GenerateRandomString(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// GeneratePKCEPair returns a valid (verifier, challenge) pair for the S256
// method.
func GeneratePKCEPair() (verifier, challenge string) {
	verifier = GenerateRandomString(32)
	return verifier, ChallengeS256(verifier)
}

// ChallengeS256 computes the S256 challenge for a verifier.
func ChallengeS256(verifier string) string {
	digest := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(digest[:])
}

// AssertNoError fails the test immediately if err is non-nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test immediately if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// AssertEqual fails the test if got != want.
func AssertEqual[T comparable](t *testing.T, got, want T) {
	t.Helper()
	if got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
}

package main

import "errors"

// Errors
//
// Cryptographic failures are never recovered silently; validation
// failures are rejected before any side effect. Authentication-class
// errors are deliberately generic so a caller cannot tell which part of
// a submitted proof was wrong.
var (
	// ErrUnsupportedEnvelope means an envelope carries an algorithm or
	// version outside the supported set. Decryption is refused before
	// any key material is touched.
	ErrUnsupportedEnvelope = errors.New("unsupported envelope algorithm or version")

	// ErrIntegrityMismatch means a vault blob's plaintext hash disagrees
	// with the stored hash. The content is never served.
	ErrIntegrityMismatch = errors.New("vault content failed integrity verification")

	// ErrPathTraversal means a requested path resolves outside the vault
	// root. Raised before any filesystem access.
	ErrPathTraversal = errors.New("path resolves outside the vault root")

	// ErrAuthenticationFailed covers verifier mismatches at login,
	// check-in HMAC mismatches, and testament activation failures.
	ErrAuthenticationFailed = errors.New("unauthorized")

	// ErrSessionExpired means no key is held for the session; the caller
	// must re-authenticate.
	ErrSessionExpired = errors.New("session expired")

	// ErrChallengeInvalid covers unknown, expired, and already-used
	// heartbeat challenges.
	ErrChallengeInvalid = errors.New("challenge is unknown, expired, or already used")

	// ErrTestamentNotReady means heir activation was attempted before
	// the owner became overdue or before shares were generated.
	ErrTestamentNotReady = errors.New("heir access is not available")

	// ErrAlreadyInitialized means a one-time setup step was repeated.
	ErrAlreadyInitialized = errors.New("already initialized")
)

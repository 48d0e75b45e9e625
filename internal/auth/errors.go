// Package auth implements the single-password credential, the in-memory
// session registry and signed access tokens.
package auth

import "errors"

var (
	// ErrInvalidCredentials is returned when a password does not verify.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidToken covers unknown, expired, rotated or forged tokens.
	ErrInvalidToken = errors.New("invalid or expired token")
	// ErrSessionNotFound is returned for a valid token whose session is gone.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionLimit is returned when the registry is at capacity.
	ErrSessionLimit = errors.New("session limit reached")
)

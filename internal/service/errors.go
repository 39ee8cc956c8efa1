// Package service implements the credential lifecycle: registration, login
// with lockout, refresh-token rotation with reuse detection, and revocation.
package service

import (
	"errors"

	"github.com/iliyamo/credential-service/internal/validation"
)

// Errors surfaced to clients.  PublicMessage maps them to response text.
var (
	ErrDuplicateIdentity   = errors.New("duplicate identity")
	ErrWeakCredential      = errors.New("weak credential")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrLockedOut           = errors.New("locked out")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
)

// ErrIdentityNotFound is internal: an active refresh token whose owner no
// longer exists.  Clients only ever see ErrInvalidRefreshToken for it.
var ErrIdentityNotFound = errors.New("identity not found")

// IsBusinessError reports whether err is an expected client-facing failure
// (answered with 400) rather than an internal fault.
func IsBusinessError(err error) bool {
	return errors.Is(err, ErrDuplicateIdentity) ||
		errors.Is(err, ErrWeakCredential) ||
		errors.Is(err, ErrInvalidCredentials) ||
		errors.Is(err, ErrLockedOut) ||
		errors.Is(err, ErrInvalidRefreshToken)
}

// PublicMessage returns the response text for a business error and a
// generic message for anything else.
func PublicMessage(err error) string {
	var verr *validation.Error
	switch {
	case errors.Is(err, ErrDuplicateIdentity):
		return "Email already registered"
	case errors.Is(err, ErrWeakCredential) && errors.As(err, &verr):
		return verr.Message
	case errors.Is(err, ErrWeakCredential):
		return "Password does not meet the requirements"
	case errors.Is(err, ErrInvalidCredentials):
		return "Invalid credentials"
	case errors.Is(err, ErrLockedOut):
		return "Account locked due to multiple failed attempts. Try again later."
	case errors.Is(err, ErrInvalidRefreshToken):
		return "Invalid refresh token"
	}
	return "An unexpected error occurred"
}

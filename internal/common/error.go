// Package common defines shared constants and sentinel errors used across
// client and server layers of sessionkeeper. Callers should use errors.Is to
// match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound = errors.New("not found")

	// Service-level errors (generic/internal flow control).
	ErrorInternal     = errors.New("internal error")
	ErrorUnauthorized = errors.New("unauthorized")

	// Credential rejection kinds. All four collapse into a single
	// re-authentication signal at the transport boundary.
	ErrInvalidToken   = errors.New("invalid token")
	ErrTokenExpired   = errors.New("token expired")
	ErrNotRecognized  = errors.New("token not recognized")
	ErrReplayDetected = errors.New("refresh token replay detected")

	// Store-level errors.
	ErrConflict       = errors.New("conflict")
	ErrUnavailable    = errors.New("store unavailable")
	ErrAlreadyRevoked = errors.New("already revoked")
)

// ReauthenticateMessage is the only rejection text exposed to callers.
const ReauthenticateMessage = "re-authentication required"

// IsReauthenticate reports whether err is one of the credential rejection
// kinds that must be reported to the caller as a generic re-authentication
// request.
func IsReauthenticate(err error) bool {
	return errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, ErrNotRecognized) ||
		errors.Is(err, ErrReplayDetected)
}

// IsRetriable reports whether err comes from the backing store and the
// operation may be attempted again later.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrConflict)
}

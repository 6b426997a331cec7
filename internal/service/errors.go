package service

import "errors"

// Failure taxonomy for session operations. The first four are terminal
// for the credential presented: the caller must re-authenticate, not
// retry. ErrStoreUnavailable is the only retryable outcome; cache-tier
// failures never appear here because they are absorbed and logged.
var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionExpired      = errors.New("session expired")
	ErrSessionRevoked      = errors.New("session revoked")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrStoreUnavailable    = errors.New("session store unavailable")
)

// IsTerminalAuthFailure reports whether err identifies a credential the
// caller should stop presenting. Edge callers collapse all of these into
// one generic unauthorized response so the taxonomy cannot be probed.
func IsTerminalAuthFailure(err error) bool {
	return errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrSessionExpired) ||
		errors.Is(err, ErrSessionRevoked) ||
		errors.Is(err, ErrInvalidRefreshToken)
}

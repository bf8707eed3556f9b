package oauth

import "errors"

var (
	// ErrAuthorizationTimeout means the device code expired before the user approved it.
	ErrAuthorizationTimeout = errors.New("no authorization in time")
	// ErrLoginCancelled means the interactive login was interrupted.
	ErrLoginCancelled = errors.New("login cancelled")
	// ErrNoCredential means a refresh was requested with nothing to refresh.
	ErrNoCredential = errors.New("no credential")
)

// AuthError is returned when a credential cannot be obtained. The bridge
// session stays down until an operator authenticates again.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string { return "auth " + e.Op + ": " + e.Err.Error() }

func (e *AuthError) Unwrap() error { return e.Err }

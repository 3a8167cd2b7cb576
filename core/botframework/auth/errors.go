package auth

import (
	"errors"
	"fmt"
)

// ErrUnauthorized is the root of every authentication failure; callers map it to HTTP 401.
var ErrUnauthorized = errors.New("unauthorized")

// Failure kinds. Each one wraps ErrUnauthorized.
var (
	ErrMissingHeader      = fmt.Errorf("%w: missing authorization header", ErrUnauthorized)
	ErrInvalidScheme      = fmt.Errorf("%w: authorization scheme must be Bearer", ErrUnauthorized)
	ErrInvalidToken       = fmt.Errorf("%w: invalid token", ErrUnauthorized)
	ErrTokenExpired       = fmt.Errorf("%w: token expired", ErrUnauthorized)
	ErrUnauthorizedIssuer = fmt.Errorf("%w: untrusted issuer", ErrUnauthorized)
	ErrKeyNotFound        = fmt.Errorf("%w: signing key not found", ErrUnauthorized)
	ErrKeyFetch           = fmt.Errorf("%w: signing keys unavailable", ErrUnauthorized)
	ErrEndorsement        = fmt.Errorf("%w: key not endorsed for channel", ErrUnauthorized)
	ErrAudience           = fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	ErrAppID              = fmt.Errorf("%w: app id mismatch", ErrUnauthorized)
	ErrServiceURL         = fmt.Errorf("%w: service url mismatch", ErrUnauthorized)
)

// Error records the failing operation next to the failure kind and its cause.
type Error struct {
	Op   string
	Kind error
	Err  error
}

func newError(op string, kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("auth: %s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("auth: %s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsUnauthorized reports whether err is an authentication failure.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

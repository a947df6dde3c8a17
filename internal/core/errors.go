package core

import "errors"

// Rejection kinds. Every error returned by Login, Send and the admin methods
// wraps exactly one of these.
var (
	ErrValidation    = errors.New("validation error")
	ErrAuthorization = errors.New("authorization error")
	ErrBanned        = errors.New("banned")
	ErrCapacity      = errors.New("capacity exceeded")
	ErrConflict      = errors.New("conflict")
)

// RejectError carries the human readable reason reported to the client.
type RejectError struct {
	Kind   error
	Reason string
}

func (e *RejectError) Error() string { return e.Reason }

func (e *RejectError) Unwrap() error { return e.Kind }

func reject(kind error, reason string) error {
	return &RejectError{Kind: kind, Reason: reason}
}

// Terminates reports whether err requires the transport to close the
// connection after reporting it.
func Terminates(err error) bool {
	return errors.Is(err, ErrBanned) || errors.Is(err, ErrCapacity)
}

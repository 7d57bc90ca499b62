package reactor

import (
	"errors"
	"fmt"
	"syscall"
)

// BindError reports that the listening socket could not be bound.
// It is the one startup failure callers are expected to handle: report it
// and exit with a dedicated status.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// AddrInUse reports whether the address was already taken.
func (e *BindError) AddrInUse() bool {
	return errors.Is(e.Err, syscall.EADDRINUSE)
}

// PermissionDenied reports whether binding required privileges the process lacks.
func (e *BindError) PermissionDenied() bool {
	return errors.Is(e.Err, syscall.EACCES) || errors.Is(e.Err, syscall.EPERM)
}

// IsBindError reports whether err (or anything it wraps) is a *BindError.
func IsBindError(err error) bool {
	var be *BindError
	return errors.As(err, &be)
}

// isBindFailure classifies a listen error. Only address-level refusals are
// bind failures; anything else (bad address syntax, fd exhaustion) is fatal.
func isBindFailure(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE) ||
		errors.Is(err, syscall.EACCES) ||
		errors.Is(err, syscall.EPERM) ||
		errors.Is(err, syscall.EADDRNOTAVAIL)
}

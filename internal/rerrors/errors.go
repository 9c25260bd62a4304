// Package rerrors defines the caller-visible error kinds shared by every
// store and reindex component, and the helpers used to wrap/detect them.
package rerrors

import (
	"database/sql"
	"errors"
	"fmt"
)

// Sentinel errors for the kinds in spec §7. Components wrap these with
// operation context via fmt.Errorf("%s: %w", op, sentinel); callers test
// with errors.Is.
var (
	ErrNotFound           = errors.New("not found")
	ErrGone               = errors.New("gone")
	ErrConflict           = errors.New("conflict")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrMethodNotAllowed   = errors.New("method not allowed")
	ErrRequestNotValid    = errors.New("request not valid")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrRateLimited        = errors.New("rate limited")
	ErrUnavailable        = errors.New("unavailable")
	ErrCanceled           = errors.New("canceled")
	ErrInternal           = errors.New("internal")
)

// Wrap attaches operation context to a sentinel error and converts
// sql.ErrNoRows to ErrNotFound, mirroring wrapDBError in the teacher's
// sqlite backend.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Wrapf is Wrap with a formatted operation string.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return Wrap(fmt.Sprintf(format, args...), err)
}

func IsNotFound(err error) bool           { return errors.Is(err, ErrNotFound) }
func IsGone(err error) bool               { return errors.Is(err, ErrGone) }
func IsConflict(err error) bool           { return errors.Is(err, ErrConflict) }
func IsPreconditionFailed(err error) bool { return errors.Is(err, ErrPreconditionFailed) }
func IsMethodNotAllowed(err error) bool   { return errors.Is(err, ErrMethodNotAllowed) }
func IsRequestNotValid(err error) bool    { return errors.Is(err, ErrRequestNotValid) }
func IsRateLimited(err error) bool        { return errors.Is(err, ErrRateLimited) }
func IsCanceled(err error) bool           { return errors.Is(err, ErrCanceled) }

package service

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrAlreadyEnabled  = errors.New("two-factor authentication is already enabled")
	ErrNotEnabled      = errors.New("two-factor authentication is not enabled")
	ErrInvalidCode     = errors.New("invalid verification code")
	ErrSessionNotFound = errors.New("session not found")
	ErrAccountLocked   = errors.New("account is temporarily locked")
	ErrInvalidInput    = errors.New("invalid input")
)

// AccountLockedError carries the unlock time so callers can inform the user.
type AccountLockedError struct {
	LockedUntil time.Time
}

func (e *AccountLockedError) Error() string {
	return fmt.Sprintf("%s until %s", ErrAccountLocked, e.LockedUntil.UTC().Format(time.RFC3339))
}

func (e *AccountLockedError) Unwrap() error { return ErrAccountLocked }

// RepositoryError wraps a storage failure with the operation that hit it.
type RepositoryError struct {
	Op  string
	Err error
}

func (e *RepositoryError) Error() string {
	return fmt.Sprintf("repository %s failed: %v", e.Op, e.Err)
}

func (e *RepositoryError) Unwrap() error { return e.Err }

func repoErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &RepositoryError{Op: op, Err: err}
}

package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrRemoteSync         = errors.New("remote sync failed")
	ErrInvariantViolation = errors.New("invariant violation")
)

// TransitionError describes an operation refused in the subscription's current state.
type TransitionError struct {
	Op     string
	From   string
	Reason string
}

func (e *TransitionError) Error() string {
	if e.From != "" {
		return fmt.Sprintf("%s from %s: %s", e.Op, e.From, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

func Transition(op, from, reason string) error {
	return &TransitionError{Op: op, From: from, Reason: reason}
}

// SyncError is a failed call to the remote provisioning panel.
type SyncError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *SyncError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s failed (status %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *SyncError) Unwrap() []error {
	return []error{ErrRemoteSync, e.Err}
}

// IsStatus reports whether err is a SyncError carrying the given HTTP status.
func IsStatus(err error, status int) bool {
	var se *SyncError
	return errors.As(err, &se) && se.StatusCode == status
}

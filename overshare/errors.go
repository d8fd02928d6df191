// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overshare

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrNotFound is returned by stores when a row does not exist
	ErrNotFound = errors.New("not found")
	// ErrForbidden is returned when the caller is not allowed to perform an operation
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidInvitation is returned when a join uses an unknown invite code
	ErrInvalidInvitation = errors.New("invalid invitation")
	// ErrInvalidInput is wrapped by validation failures
	ErrInvalidInput = errors.New("invalid input")
)

// AuthError is a session/token failure. It always carries one of the auth codes.
type AuthError struct {
	Code string
	Err  error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Err.Error()
	}
	return e.Code
}

func (e *AuthError) Unwrap() error { return e.Err }

// HTTPStatus maps the code to the status returned to clients
func (e *AuthError) HTTPStatus() int {
	switch e.Code {
	case CodeSessionRevoked, CodeSessionMismatch:
		return http.StatusForbidden
	default:
		return http.StatusUnauthorized
	}
}

func authError(code string, format string, args ...any) *AuthError {
	return &AuthError{Code: code, Err: fmt.Errorf(format, args...)}
}

// LockConflictError is returned when another member holds a live edit lock
type LockConflictError struct {
	Lock LockResult
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("document is being edited by %s", e.Lock.EditingByName)
}

// lockConflict rejects a write by memberID while another member holds a live lock at now
func lockConflict(d Document, memberID string, now time.Time) error {
	if holder, live := d.LockedBy(now); live && holder != memberID {
		exp := *d.EditingExpiresAt
		return &LockConflictError{Lock: LockResult{Locked: false, EditingBy: d.EditingBy, EditingByName: d.EditingByName, ExpiresAt: &exp}}
	}
	return nil
}

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

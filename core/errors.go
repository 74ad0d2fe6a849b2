package core

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrInvalidState is returned when the callback state does not match the signed carrier,
	// or the carrier is missing, forged or expired. Never retried.
	ErrInvalidState = errors.New("invalid oauth state")

	// ErrDuplicateIdentity is returned to the losing side of a concurrent signup
	// for the same provider subject.
	ErrDuplicateIdentity = errors.New("identity already exists")

	// ErrCodeNotFound covers unknown, expired and already consumed one-time codes alike.
	ErrCodeNotFound = errors.New("one-time code not found")
)

// SignupRejectedError is returned by a before-signup hook to refuse account creation.
// Status and Message are surfaced to the client as given.
type SignupRejectedError struct {
	Status  int
	Message string

	// Err is the hook failure behind a rejection the hook did not build itself
	Err error
}

func (e *SignupRejectedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("signup rejected: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("signup rejected: %s", e.Message)
}

func (e *SignupRejectedError) Unwrap() error {
	return e.Err
}

// RejectSignup builds a SignupRejectedError, defaulting the status to 403
func RejectSignup(status int, message string) *SignupRejectedError {
	if status == 0 {
		status = http.StatusForbidden
	}
	return &SignupRejectedError{Status: status, Message: message}
}

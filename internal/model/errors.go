package model

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned when a session is not in the registry
	// or has no persisted credential record.
	ErrSessionNotFound = errors.New("session not found")

	// ErrAlreadyExists is returned when a non-closed session already holds the id.
	ErrAlreadyExists = errors.New("session already exists")

	// ErrNotConnected is returned when an operation needs an open connection.
	ErrNotConnected = errors.New("session is not connected")

	// ErrAlreadyConnected is returned when pairing is requested for a connected session.
	ErrAlreadyConnected = errors.New("session is already connected")

	// ErrNotRegistered is returned when the target is not registered on the network.
	ErrNotRegistered = errors.New("target is not registered")

	// ErrUnauthorized is returned when a request carries no valid API key.
	ErrUnauthorized = errors.New("unauthorized")
)

// ValidationError reports a malformed identifier or request field. It is
// raised before the registry is touched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsConflict reports whether err belongs to the conflict family.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrAlreadyConnected)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

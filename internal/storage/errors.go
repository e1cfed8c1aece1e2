package storage

import "errors"

var (
	// ErrSecretNotFound is returned when no stored secret exists for a
	// (user, provider) pair
	ErrSecretNotFound = errors.New("provider secret not found")

	// ErrInvocationNotFound is returned when an async invocation record
	// does not exist
	ErrInvocationNotFound = errors.New("invocation not found")
)

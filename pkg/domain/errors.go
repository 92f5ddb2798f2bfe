package domain

import "errors"

var (
	// ErrTransport covers unreachable, timed out and malformed remote responses alike.
	ErrTransport         = errors.New("remote unavailable")
	ErrAlreadyExists     = errors.New("already exists")
	ErrInvalidCredential = errors.New("invalid credentials")
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrNotFound          = errors.New("not found")
	ErrNotAvailable      = errors.New("not available")
	ErrInvalidInput      = errors.New("invalid input")
)

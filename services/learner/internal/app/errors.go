package app

import "errors"

var (
	// ErrForbidden is returned when a signed-in account lacks the role or ownership an operation needs.
	ErrForbidden = errors.New("forbidden")
)

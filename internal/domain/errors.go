package domain

import "errors"

var (
	ErrValidation       = errors.New("validation failed")
	ErrStoreUnavailable = errors.New("message store unavailable")
	ErrUnknownMessage   = errors.New("unknown message")
	ErrForbidden        = errors.New("forbidden")
)

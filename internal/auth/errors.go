package auth

import "errors"

// Authentication errors.
var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrLoginDisabled      = errors.New("auth: operator login disabled")
	ErrTokenInvalid       = errors.New("auth: invalid token")
)

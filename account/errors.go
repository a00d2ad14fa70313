package account

import "errors"

var (
	// ErrCredentialsDestroyed is returned by every accessor after Destroy.
	ErrCredentialsDestroyed = errors.New("account: credentials destroyed")
	ErrMissingAccount       = errors.New("account: missing account name")
	ErrMissingPassword      = errors.New("account: missing password")
	ErrInvalidServerURL     = errors.New("account: invalid server URL")
)

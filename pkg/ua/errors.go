package ua

import "errors"

var (
	// ErrInvalidInput is returned for an empty or malformed URI or account.
	ErrInvalidInput = errors.New("invalid input")
	// ErrAlreadyAllocated is returned when a call slot is already in use.
	ErrAlreadyAllocated = errors.New("already allocated")
	// ErrConfiguration is returned when the account needs a setting the
	// registry lacks, e.g. sipnat=outbound without a UUID.
	ErrConfiguration = errors.New("configuration error")

	ErrNotFound          = errors.New("not found")
	ErrProtocolRejected  = errors.New("rejected by peer")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrUnsupported       = errors.New("unsupported")

	// ErrClosed is returned when the registry is used before Init or after Close.
	ErrClosed = errors.New("user agent registry closed")
)

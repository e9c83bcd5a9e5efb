package registry

import "errors"

var (
	// ErrInvalidCode is returned for codes that do not match the configured
	// length and alphabet. The store is never consulted for them.
	ErrInvalidCode = errors.New("registry: invalid code")

	// ErrNotFound covers unknown, expired and consumed codes alike.
	ErrNotFound = errors.New("registry: code not found or expired")

	ErrPayloadTooLarge    = errors.New("registry: payload too large")
	ErrEmptyTicket        = errors.New("registry: empty ticket")
	ErrCodeSpaceExhausted = errors.New("registry: code space exhausted")
	ErrRateLimited        = errors.New("registry: rate limited")

	// ErrAnswerExists is returned when a second answer is posted for a code.
	ErrAnswerExists = errors.New("registry: answer already posted")

	// ErrAnswerPending is returned when a wait for the answer times out.
	ErrAnswerPending = errors.New("registry: answer not posted yet")
)

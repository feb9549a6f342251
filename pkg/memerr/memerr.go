// Package memerr defines the shared error taxonomy for the memory
// substrate. Callers branch on these sentinels with errors.Is; every
// package wraps them with operation context via fmt.Errorf("...: %w").
package memerr

import "errors"

var (
	// ErrValidation marks malformed input: empty required fields,
	// out-of-range confidence, or a fact query with neither a pattern
	// field nor a timestamp. Never retried.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidTimestamp marks a timestamp that cannot be represented
	// as epoch milliseconds (zero or negative).
	ErrInvalidTimestamp = errors.New("invalid timestamp")

	// ErrNotFound covers both a missing id and an id owned by a
	// different user. The two cases are deliberately indistinguishable
	// so existence does not leak across user scopes.
	ErrNotFound = errors.New("not found")

	// ErrConcurrencyConflict is surfaced after bounded internal retries
	// when racing writers could not be serialized on a fact key.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrIndexCommit is surfaced when a multi-sector index write could
	// not complete. Partial sector state is rolled back before this is
	// returned; it is never left observable.
	ErrIndexCommit = errors.New("index commit failed")
)

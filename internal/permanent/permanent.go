// Package permanent tags delivery failures that retrying cannot fix.
package permanent

import "errors"

// Error wraps a cause that must not be retried.
type Error struct {
	Err error
}

func (e Error) Error() string {
	if e.Err == nil {
		return "permanent failure"
	}
	return e.Err.Error()
}

// Unwrap exposes the cause for errors.Is/errors.As.
func (e Error) Unwrap() error {
	return e.Err
}

// Permanent reports the marker to callers that only know the interface.
func (Error) Permanent() bool {
	return true
}

// Mark wraps err as non-retryable; nil stays nil.
func Mark(err error) error {
	if err == nil {
		return nil
	}
	return Error{Err: err}
}

// Is reports whether any error in the chain carries the marker.
// Params: candidate error.
// Returns: true when retries should stop.
func Is(err error) bool {
	var tagged interface{ Permanent() bool }
	if !errors.As(err, &tagged) {
		return false
	}
	return tagged.Permanent()
}

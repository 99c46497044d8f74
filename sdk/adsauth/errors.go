package adsauth

import (
	"errors"
	"fmt"
)

var (
	// ErrNoAccessToken is returned when no access token exists for a region
	// even after a refresh attempt.
	ErrNoAccessToken = errors.New("adsauth: no access token stored for region")

	// ErrNoRefreshToken is returned when a refresh is required but no refresh
	// token is stored for the region.
	ErrNoRefreshToken = errors.New("adsauth: no refresh token stored for region")

	// ErrNotFound is returned by token stores when the requested value does
	// not exist.
	ErrNotFound = errors.New("adsauth: value not found in token store")
)

// StorageError wraps a token store failure so callers can distinguish
// persistence problems from protocol problems. The underlying error is
// preserved, not swallowed.
type StorageError struct {
	// Op names the store operation that failed.
	Op string
	// Err is the underlying store error.
	Err error
}

// Error returns a string representation of the storage error.
func (e *StorageError) Error() string {
	return fmt.Sprintf("token store %s failed: %v", e.Op, e.Err)
}

// Unwrap returns the underlying store error.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// wrapStorage wraps err as a *StorageError unless it is nil or a not-found
// sentinel, which is part of the store contract rather than a failure.
func wrapStorage(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

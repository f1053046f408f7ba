package cache

import "errors"

// Standard errors for cache operations.
var (
	// ErrNotFound is returned when a key is absent or expired.
	ErrNotFound = errors.New("cache entry not found")

	// ErrNotNumeric is returned when Increment meets a non-numeric value.
	ErrNotNumeric = errors.New("cache value is not numeric")

	// ErrClosed is returned when operating on a closed backend.
	ErrClosed = errors.New("cache backend is closed")

	// ErrConnectionFailed is returned when the backend connection fails.
	ErrConnectionFailed = errors.New("cache connection failed")
)

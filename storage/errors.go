package storage

import "errors"

// Common storage errors.
var (
	// ErrNotConfigured is returned when a backend is requested without a URL.
	ErrNotConfigured = errors.New("storage backend not configured")
)

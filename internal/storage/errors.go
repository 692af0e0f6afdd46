package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the referenced object or file does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrUnsupportedScheme is returned for URIs with an unknown prefix.
	ErrUnsupportedScheme = errors.New("unsupported URI scheme")

	// ErrInvalidURI is returned for URIs with a known prefix but a malformed body.
	ErrInvalidURI = errors.New("invalid storage URI")
)

// Error reports a failed storage operation after all retries were spent.
type Error struct {
	Op       string // "fetch" or "put"
	URI      string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("storage %s %s failed after %d attempts: %v", e.Op, e.URI, e.Attempts, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.URI, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

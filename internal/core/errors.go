package core

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. HTTP handlers map these to status codes with errors.Is.
var (
	// ErrNotFound marks a lookup miss (unknown repo ID, missing collection).
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput marks a malformed request or unparseable URL.
	ErrInvalidInput = errors.New("invalid input")

	// ErrTooLarge marks a repository exceeding the size or file-count caps.
	ErrTooLarge = errors.New("repository too large")

	// ErrClone marks a failed clone (bad URL, non-zero exit, timeout, archive fetch).
	ErrClone = errors.New("clone failed")

	// ErrProvider marks an embedding or chat backend failure after retries.
	ErrProvider = errors.New("provider error")
)

// TooLargeError carries the measured size alongside the cap that was exceeded.
type TooLargeError struct {
	Detail string
}

func (e *TooLargeError) Error() string { return fmt.Sprintf("repository too large: %s", e.Detail) }
func (e *TooLargeError) Unwrap() error { return ErrTooLarge }

// CloneError wraps the underlying failure of a clone attempt.
type CloneError struct {
	URL string
	Err error
}

func (e *CloneError) Error() string { return fmt.Sprintf("clone of %s failed: %v", e.URL, e.Err) }
func (e *CloneError) Unwrap() error { return ErrClone }

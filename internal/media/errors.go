package media

import "errors"

var (
	// ErrTooLarge indicates the payload exceeds the configured max size.
	ErrTooLarge = errors.New("media too large")
	// ErrPathTraversal indicates a storage key attempted directory traversal.
	ErrPathTraversal = errors.New("path traversal is forbidden")
	// ErrNoHandle indicates a media reference without a provider handle.
	ErrNoHandle = errors.New("media reference has no provider handle")
	// ErrEmpty indicates the provider returned no bytes.
	ErrEmpty = errors.New("media payload is empty")
)

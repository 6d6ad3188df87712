package blob

import "errors"

var (
	// ErrNotFound indicates no object exists at the requested path.
	ErrNotFound = errors.New("blob not found")
	// ErrProviderUnavailable indicates the storage provider is not configured or reachable.
	ErrProviderUnavailable = errors.New("blob provider unavailable")
	// ErrTooLarge indicates the payload exceeds the configured max upload size.
	ErrTooLarge = errors.New("blob too large")
	// ErrEmpty indicates an upload without any bytes.
	ErrEmpty = errors.New("blob payload is empty")
	// ErrPathTraversal indicates an object path attempted directory traversal.
	ErrPathTraversal = errors.New("path traversal is forbidden")
)

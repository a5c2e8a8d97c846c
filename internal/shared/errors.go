package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrLocked occurs when another request holds the resource's lock.
	ErrLocked = errors.New("resource locked by another request")
)

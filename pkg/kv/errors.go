package kv

import "errors"

// Errors shared by KV implementations. Backend specific errors are mapped to
// these so callers do not depend on backend error types.
var (
	// ErrKeyNotFound is returned when the requested key does not exist
	ErrKeyNotFound = errors.New("key not found")
	// ErrKeyExists is returned from Create when the key already exists
	ErrKeyExists = errors.New("key already exists")
	// ErrConflict is returned from Update or Remove when the key was
	// modified after the given index
	ErrConflict = errors.New("key modified since index")
)

package storage

import "errors"

// Error definitions for the storage package.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrBucketRequired = errors.New("bucket is required")
	ErrInvalidURI     = errors.New("invalid object uri")
)

package backend

import "errors"

// Error definitions for the backend package.
var (
	ErrAlreadyRegistered = errors.New("backend is already registered in the registry")
	ErrClosed            = errors.New("backend handle is closed")
	ErrNoArtifactFile    = errors.New("no artifact file found")
)

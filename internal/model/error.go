package model

import "errors"

// Error definitions for the model package.
var (
	ErrNotLoaded = errors.New("no engine loaded")
)

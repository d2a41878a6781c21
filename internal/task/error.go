package task

import "errors"

var (
	ErrAlreadyRegistered = errors.New("task processor already registered")
	ErrNoExporter        = errors.New("no exporter configured")
)

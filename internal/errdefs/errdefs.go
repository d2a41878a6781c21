// Package errdefs defines the error kinds shared by every stage of the
// deployment path. Callers match them with errors.Is; only ErrNotSupported is
// meant to be branched on, every other kind is fatal for the operation.
package errdefs

import (
	"errors"
	"fmt"
)

// Error kinds.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrModelLoad     = errors.New("model load error")
	ErrExport        = errors.New("export error")
	ErrBackendLoad   = errors.New("backend load error")
	ErrInput         = errors.New("input error")
	ErrInference     = errors.New("inference error")
	ErrVisualization = errors.New("visualization error")
	ErrDataset       = errors.New("dataset error")
	ErrNotSupported  = errors.New("not supported")
)

// Configuration returns an ErrConfiguration with a formatted message.
func Configuration(format string, args ...any) error {
	return wrap(ErrConfiguration, format, args...)
}

// ModelLoad returns an ErrModelLoad with a formatted message.
func ModelLoad(format string, args ...any) error {
	return wrap(ErrModelLoad, format, args...)
}

// Export returns an ErrExport with a formatted message.
func Export(format string, args ...any) error {
	return wrap(ErrExport, format, args...)
}

// BackendLoad returns an ErrBackendLoad with a formatted message.
func BackendLoad(format string, args ...any) error {
	return wrap(ErrBackendLoad, format, args...)
}

// Input returns an ErrInput with a formatted message.
func Input(format string, args ...any) error {
	return wrap(ErrInput, format, args...)
}

// Inference returns an ErrInference with a formatted message.
func Inference(format string, args ...any) error {
	return wrap(ErrInference, format, args...)
}

// Visualization returns an ErrVisualization with a formatted message.
func Visualization(format string, args ...any) error {
	return wrap(ErrVisualization, format, args...)
}

// Dataset returns an ErrDataset with a formatted message.
func Dataset(format string, args ...any) error {
	return wrap(ErrDataset, format, args...)
}

// NotSupported reports that capability is not implemented by owner.
func NotSupported(owner, capability string) error {
	return fmt.Errorf("%w: %s does not support %s", ErrNotSupported, owner, capability)
}

// IsNotSupported reports whether err is a capability probe failure.
func IsNotSupported(err error) bool {
	return errors.Is(err, ErrNotSupported)
}

// Ensure wraps err with kind unless it already carries it.
func Ensure(kind, err error) error {
	if err == nil || errors.Is(err, kind) {
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}

func wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

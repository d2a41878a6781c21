// Package backend defines the engine handle contract shared by every native
// inference engine, the registry that maps a backend identifier to its
// factory, and the plumbing the engine variants are built from.
package backend

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ekisa-team/deployrt/internal/config"
	"github.com/ekisa-team/deployrt/internal/errdefs"
	"github.com/ekisa-team/deployrt/internal/tensor"
)

// Kind is a backend identifier as written in backend_config.type.
type Kind string

const (
	KindONNXRuntime Kind = "onnxruntime"
	KindTensorRT    Kind = "tensorrt"
	KindRemote      Kind = "remote"
	KindStub        Kind = "stub"
)

// Handle is one loaded engine instance bound to an artifact.
//
// Handles are not safe for concurrent Infer calls unless wrapped by Guard,
// which serializes them.
type Handle interface {
	// Kind returns the backend identifier.
	Kind() Kind

	// Infer runs the engine on named inputs and returns named outputs.
	Infer(ctx context.Context, inputs *tensor.Map) (*tensor.Map, error)

	// Close releases the engine session. It is idempotent.
	Close() error
}

// Factory loads an artifact on a device and returns a ready handle.
type Factory func(ctx context.Context, artifact *Artifact, device Device, cfg config.BackendConfig) (Handle, error)

// DeviceType is the class of compute device.
type DeviceType string

const (
	DeviceCPU  DeviceType = "cpu"
	DeviceCUDA DeviceType = "cuda"
)

// Device is a compute device such as cpu or cuda:1.
type Device struct {
	Type  DeviceType
	Index int
}

// CPU is the default device.
var CPU = Device{Type: DeviceCPU}

// ParseDevice parses "cpu", "cuda" or "cuda:<n>".
func ParseDevice(s string) (Device, error) {
	name, idx, hasIdx := strings.Cut(strings.ToLower(strings.TrimSpace(s)), ":")
	d := Device{Type: DeviceType(name)}
	switch d.Type {
	case DeviceCPU:
		if hasIdx {
			return Device{}, errdefs.BackendLoad("device %q: cpu takes no index", s)
		}
	case DeviceCUDA:
		if hasIdx {
			n, err := strconv.Atoi(idx)
			if err != nil || n < 0 {
				return Device{}, errdefs.BackendLoad("device %q: invalid index", s)
			}
			d.Index = n
		}
	default:
		return Device{}, errdefs.BackendLoad("unknown device %q", s)
	}
	return d, nil
}

func (d Device) String() string {
	if d.Type == DeviceCUDA {
		return fmt.Sprintf("cuda:%d", d.Index)
	}
	return string(d.Type)
}

// Artifact is the exported form of a model for one backend: files on disk,
// an in-memory buffer, or both, plus the declared tensor signature.
type Artifact struct {
	Backend Kind
	Paths   []string
	// Primary is the file the engine loads, picked out of Paths by
	// Registry.Load for backends that declare extensions.
	Primary   string
	Buffer    []byte
	Signature Signature
}

// TensorSpec declares one tensor of a signature. Negative dimensions are
// dynamic and match any size.
type TensorSpec struct {
	Name  string
	DType tensor.DType
	Shape tensor.Shape
}

// Accepts reports whether t matches the spec.
func (s TensorSpec) Accepts(t *tensor.Tensor) bool {
	if t.DType() != s.DType {
		return false
	}
	if s.Shape == nil {
		return true
	}
	shape := t.Shape()
	if len(shape) != len(s.Shape) {
		return false
	}
	for i, d := range s.Shape {
		if d >= 0 && shape[i] != d {
			return false
		}
	}
	return true
}

// Signature is the declared tensor interface of an artifact.
type Signature struct {
	Inputs  []TensorSpec
	Outputs []TensorSpec
}

// InputNames returns the declared input names in order.
func (s Signature) InputNames() []string {
	return specNames(s.Inputs)
}

// OutputNames returns the declared output names in order.
func (s Signature) OutputNames() []string {
	return specNames(s.Outputs)
}

// CheckInputs verifies that every declared input is present and compatible.
func (s Signature) CheckInputs(inputs *tensor.Map) error {
	for _, spec := range s.Inputs {
		t, ok := inputs.Get(spec.Name)
		if !ok {
			return errdefs.Inference("missing input %q", spec.Name)
		}
		if !spec.Accepts(t) {
			return errdefs.Inference("input %q is %s, artifact expects %s%s", spec.Name, t, spec.DType, spec.Shape)
		}
	}
	return nil
}

// CheckOutputs verifies that every declared output was produced.
func (s Signature) CheckOutputs(outputs *tensor.Map) error {
	for _, spec := range s.Outputs {
		if _, ok := outputs.Get(spec.Name); !ok {
			return errdefs.Inference("engine did not produce output %q", spec.Name)
		}
	}
	return nil
}

func specNames(specs []TensorSpec) []string {
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	return names
}

// Package stub provides a deterministic engine that returns pre-declared
// outputs without touching a native runtime. It backs tests and dry runs.
package stub

import (
	"context"
	"sync"

	"github.com/ekisa-team/deployrt/internal/backend"
	"github.com/ekisa-team/deployrt/internal/config"
	"github.com/ekisa-team/deployrt/internal/tensor"
)

// Handle returns fixed outputs and records every call.
type Handle struct {
	outputs *tensor.Map
	sig     backend.Signature

	mu     sync.Mutex
	calls  []*tensor.Map
	closes int
}

// New returns a handle that answers every Infer with outputs.
func New(outputs *tensor.Map) *Handle {
	return &Handle{outputs: outputs}
}

// Echo returns a handle that synthesizes zero outputs from sig. Dynamic
// output dimensions take the size of the first input of the same rank; a
// dynamic leading dimension otherwise follows the input batch size, and any
// other dynamic dimension is 1.
func Echo(sig backend.Signature) *Handle {
	return &Handle{sig: sig}
}

// Kind returns backend.KindStub.
func (h *Handle) Kind() backend.Kind {
	return backend.KindStub
}

// Infer records inputs and returns the declared outputs unchanged.
func (h *Handle) Infer(_ context.Context, inputs *tensor.Map) (*tensor.Map, error) {
	h.mu.Lock()
	h.calls = append(h.calls, inputs.Clone())
	h.mu.Unlock()

	if h.outputs != nil {
		return h.outputs.Clone(), nil
	}
	return h.synthesize(inputs)
}

func (h *Handle) synthesize(inputs *tensor.Map) (*tensor.Map, error) {
	out := tensor.NewMap()
	batch := batchSize(inputs)
	for _, spec := range h.sig.Outputs {
		shape := make(tensor.Shape, len(spec.Shape))
		ref := firstOfRank(inputs, len(spec.Shape))
		for i, d := range spec.Shape {
			switch {
			case d >= 0:
				shape[i] = d
			case ref != nil:
				shape[i] = ref[i]
			case i == 0:
				shape[i] = batch
			default:
				shape[i] = 1
			}
		}
		dtype := spec.DType
		if dtype == "" {
			dtype = tensor.Float32
		}
		t, err := tensor.Zeros(dtype, shape)
		if err != nil {
			return nil, err
		}
		out.Set(spec.Name, t)
	}
	return out, nil
}

func batchSize(m *tensor.Map) int64 {
	for _, name := range m.Names() {
		t, _ := m.Get(name)
		if t.Rank() > 0 {
			return t.Shape()[0]
		}
	}
	return 1
}

func firstOfRank(m *tensor.Map, rank int) tensor.Shape {
	for _, name := range m.Names() {
		t, _ := m.Get(name)
		if t.Rank() == rank {
			return t.Shape()
		}
	}
	return nil
}

// Close counts releases.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closes++
	return nil
}

// Calls returns the inputs of every Infer call in order.
func (h *Handle) Calls() []*tensor.Map {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*tensor.Map(nil), h.calls...)
}

// Closes returns how many times Close was called.
func (h *Handle) Closes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closes
}

// Entry registers a stub backend. With nil outputs every loaded handle
// echoes zeros shaped by the artifact signature.
func Entry(outputs *tensor.Map) backend.Entry {
	return backend.Entry{
		Kind: backend.KindStub,
		Factory: func(_ context.Context, artifact *backend.Artifact, _ backend.Device, _ config.BackendConfig) (backend.Handle, error) {
			if outputs != nil {
				return New(outputs), nil
			}
			return Echo(artifact.Signature), nil
		},
	}
}

package backend

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ekisa-team/deployrt/internal/errdefs"
	"github.com/ekisa-team/deployrt/internal/tensor"
)

// guarded enforces the handle discipline on top of an engine: at most one
// in-flight Infer, signature checks on both sides, close-once and metrics.
type guarded struct {
	inner     Handle
	sig       Signature
	mu        sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Guard wraps h so that it honours the Handle contract regardless of the
// engine: inputs and outputs are checked against sig, calls are serialized,
// runtime faults surface as errdefs.ErrInference and Close is idempotent.
func Guard(h Handle, sig Signature) Handle {
	if g, ok := h.(*guarded); ok {
		return g
	}
	openHandles.WithLabelValues(string(h.Kind())).Inc()
	return &guarded{inner: h, sig: sig}
}

// Kind returns the wrapped engine's kind.
func (g *guarded) Kind() Kind {
	return g.inner.Kind()
}

// Infer validates inputs, runs the engine exclusively and validates outputs.
func (g *guarded) Infer(ctx context.Context, inputs *tensor.Map) (*tensor.Map, error) {
	if g.closed.Load() {
		return nil, errdefs.Ensure(errdefs.ErrInference, ErrClosed)
	}
	if err := g.sig.CheckInputs(inputs); err != nil {
		inferenceErrors.WithLabelValues(string(g.Kind())).Inc()
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	// Close may have run while this call waited for the lock.
	if g.closed.Load() {
		return nil, errdefs.Ensure(errdefs.ErrInference, ErrClosed)
	}

	start := time.Now()
	outputs, err := g.inner.Infer(ctx, inputs)
	inferenceDuration.WithLabelValues(string(g.Kind())).Observe(time.Since(start).Seconds())
	if err != nil {
		inferenceErrors.WithLabelValues(string(g.Kind())).Inc()
		return nil, errdefs.Ensure(errdefs.ErrInference, err)
	}

	if err := g.sig.CheckOutputs(outputs); err != nil {
		inferenceErrors.WithLabelValues(string(g.Kind())).Inc()
		return nil, err
	}

	return outputs, nil
}

// Close releases the engine once. It waits for an in-flight Infer to finish.
func (g *guarded) Close() error {
	g.closeOnce.Do(func() {
		g.closed.Store(true)
		g.mu.Lock()
		defer g.mu.Unlock()

		g.closeErr = g.inner.Close()
		openHandles.WithLabelValues(string(g.Kind())).Dec()
	})
	return g.closeErr
}

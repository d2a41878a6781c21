// Package model manages the engine being served: the task processor and the
// loaded handle for the current deploy config snapshot.
package model

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ekisa-team/deployrt/internal/backend"
	"github.com/ekisa-team/deployrt/internal/config"
	"github.com/ekisa-team/deployrt/internal/errdefs"
	"github.com/ekisa-team/deployrt/internal/task"
	"github.com/ekisa-team/deployrt/internal/tensor"
)

// Loader resolves the processor for a deploy config and loads its engine.
type Loader func(ctx context.Context, cfg *config.DeployConfig) (task.Processor, backend.Handle, error)

// Manager owns the served processor and handle. It implements
// backend.Handle so it can be exposed over gRPC directly; a reload swaps
// both at once and waits for in-flight calls on the old handle.
type Manager struct {
	load Loader
	p    task.Processor
	h    backend.Handle
	mu   sync.RWMutex
}

// NewManager creates a Manager that loads engines with load.
func NewManager(load Loader) *Manager {
	return &Manager{load: load}
}

// LoadFromConfig loads an engine for cfg and makes it current. On failure
// the previous engine stays in place.
func (m *Manager) LoadFromConfig(ctx context.Context, cfg *config.DeployConfig) error {
	p, h, err := m.load(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to load engine: %w", err)
	}

	m.mu.Lock()
	old := m.h
	m.p, m.h = p, h
	m.mu.Unlock()

	slog.Info("Engine loaded", "task", p.Codebase()+"/"+p.Task(), "backend", h.Kind())

	if old != nil {
		if err := old.Close(); err != nil {
			slog.Warn("Failed to close previous engine", "error", err)
		}
	}
	return nil
}

// Processor returns the current processor, or nil before the first load.
func (m *Manager) Processor() task.Processor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.p
}

// Kind returns the current backend kind.
func (m *Manager) Kind() backend.Kind {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.h == nil {
		return ""
	}
	return m.h.Kind()
}

// Infer runs the current handle.
func (m *Manager) Infer(ctx context.Context, inputs *tensor.Map) (*tensor.Map, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.h == nil {
		return nil, errdefs.Ensure(errdefs.ErrInference, ErrNotLoaded)
	}
	return m.h.Infer(ctx, inputs)
}

// Predict runs raw through the current processor and handle.
func (m *Manager) Predict(ctx context.Context, raw any, hints map[string]any) (task.Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.h == nil {
		return nil, errdefs.Ensure(errdefs.ErrInference, ErrNotLoaded)
	}
	return task.Infer(ctx, m.p, m.h, raw, hints)
}

// Close releases the current handle.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.h == nil {
		return nil
	}
	return m.h.Close()
}

package model

import (
	"context"
	"errors"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekisa-team/deployrt/internal/backend"
	"github.com/ekisa-team/deployrt/internal/backend/stub"
	"github.com/ekisa-team/deployrt/internal/config"
	"github.com/ekisa-team/deployrt/internal/errdefs"
	"github.com/ekisa-team/deployrt/internal/task"
	"github.com/ekisa-team/deployrt/internal/task/classification"
	"github.com/ekisa-team/deployrt/internal/tensor"
)

func deployConfig(topK int) *config.DeployConfig {
	return &config.DeployConfig{
		Backend:  config.BackendConfig{Type: "stub"},
		Codebase: config.CodebaseConfig{Type: classification.Codebase, Task: classification.Task, TopK: topK},
		Onnx:     config.OnnxConfig{InputNames: []string{"input"}, OutputNames: []string{"output"}},
	}
}

// loader resolves classification on the stub backend and remembers every
// handle it loaded.
type loader struct {
	reg     *task.Registry
	handles []backend.Handle
	fail    error
}

func newLoader(t *testing.T, scores ...float32) *loader {
	t.Helper()
	out := tensor.MapOf("output", tensor.MustFloat32(tensor.Shape{1, int64(len(scores))}, scores))
	backends, err := backend.NewRegistry(stub.Entry(out))
	require.NoError(t, err)
	reg, err := task.NewRegistry(backends, classification.Entry())
	require.NoError(t, err)
	return &loader{reg: reg}
}

func (l *loader) load(ctx context.Context, cfg *config.DeployConfig) (task.Processor, backend.Handle, error) {
	if l.fail != nil {
		return nil, nil, l.fail
	}
	p, err := l.reg.Resolve(nil, cfg, backend.CPU)
	if err != nil {
		return nil, nil, err
	}
	h, err := p.LoadBackend(ctx, nil, backend.CPU)
	if err != nil {
		return nil, nil, err
	}
	l.handles = append(l.handles, h)
	return p, h, nil
}

func TestManager_NotLoaded(t *testing.T) {
	m := NewManager(newLoader(t, 1).load)

	assert.Nil(t, m.Processor())
	assert.Empty(t, m.Kind())

	_, err := m.Infer(context.Background(), tensor.NewMap())
	assert.ErrorIs(t, err, ErrNotLoaded)
	assert.ErrorIs(t, err, errdefs.ErrInference)

	_, err = m.Predict(context.Background(), image.NewRGBA(image.Rect(0, 0, 4, 4)), nil)
	assert.ErrorIs(t, err, ErrNotLoaded)

	assert.NoError(t, m.Close())
}

func TestManager_Predict(t *testing.T) {
	l := newLoader(t, 0.1, 0.6, 0.3)
	m := NewManager(l.load)
	require.NoError(t, m.LoadFromConfig(context.Background(), deployConfig(2)))
	defer m.Close()

	assert.Equal(t, backend.KindStub, m.Kind())
	assert.Equal(t, classification.Codebase, m.Processor().Codebase())

	result, err := m.Predict(context.Background(), image.NewRGBA(image.Rect(0, 0, 20, 12)), nil)
	require.NoError(t, err)
	r, ok := result.(classification.Result)
	require.True(t, ok, "got %T", result)
	assert.Equal(t, 1, r.Label)
	assert.Len(t, r.TopK, 2)
}

func TestManager_Reload(t *testing.T) {
	l := newLoader(t, 0.2, 0.8)
	m := NewManager(l.load)
	ctx := context.Background()

	require.NoError(t, m.LoadFromConfig(ctx, deployConfig(1)))
	first := m.Processor()
	require.NoError(t, m.LoadFromConfig(ctx, deployConfig(2)))
	assert.NotSame(t, first, m.Processor())
	require.Len(t, l.handles, 2)

	// The replaced handle is closed; its calls now fail.
	_, err := l.handles[0].Infer(ctx, tensor.NewMap())
	assert.ErrorIs(t, err, backend.ErrClosed)

	l.fail = errors.New("artifact missing")
	err = m.LoadFromConfig(ctx, deployConfig(3))
	assert.ErrorContains(t, err, "artifact missing")

	result, err := m.Predict(ctx, image.NewRGBA(image.Rect(0, 0, 8, 8)), nil)
	require.NoError(t, err, "a failed reload keeps the current engine")
	assert.Len(t, result.(classification.Result).TopK, 2)

	require.NoError(t, m.Close())
}

package tensorrt

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekisa-team/deployrt/internal/backend"
	"github.com/ekisa-team/deployrt/internal/config"
	"github.com/ekisa-team/deployrt/internal/errdefs"
	"github.com/ekisa-team/deployrt/internal/tensor"
)

// fileRunner writes a fixed output map to the --output_file argument.
type fileRunner struct {
	outputs    *tensor.Map
	args       []string
	outputFile string
	fail       bool
}

func (r *fileRunner) Run(_ context.Context, _ string, args []string, stdin io.Reader) ([]byte, []byte, error) {
	r.args = args
	if _, err := io.ReadAll(stdin); err != nil {
		return nil, nil, err
	}
	if r.fail {
		return nil, []byte("[TRT] engine deserialization failed"), errors.New("exit status 2")
	}
	for i := 0; i+1 < len(args); i++ {
		if args[i] == "--output_file" {
			r.outputFile = args[i+1]
		}
	}
	payload, err := tensor.Marshal(r.outputs)
	if err != nil {
		return nil, nil, err
	}
	return nil, nil, os.WriteFile(r.outputFile, payload, 0o600)
}

func TestBackend_Infer(t *testing.T) {
	want := tensor.MapOf("output", tensor.MustFloat32(tensor.Shape{1, 3}, []float32{0.1, 0.7, 0.2}))
	runner := &fileRunner{outputs: want}
	b := NewBackend(backend.NewExecutorWithRunner("/opt/trt-runner", 0, runner), "/m/end2end.engine",
		backend.Device{Type: backend.DeviceCUDA}, config.CommonConfig{FP16Mode: true, MaxWorkspaceSize: 1 << 30})
	b.tempDir = t.TempDir()

	got, err := b.Infer(context.Background(), tensor.MapOf("input", tensor.MustFloat32(tensor.Shape{1}, []float32{1})))
	require.NoError(t, err)
	assert.True(t, want.Equal(got))

	assert.Contains(t, runner.args, "--fp16")
	assert.Contains(t, runner.args, "1073741824")
	assert.NoFileExists(t, runner.outputFile, "output file is removed after reading")
}

func TestBackend_InferRunnerFailure(t *testing.T) {
	b := NewBackend(backend.NewExecutorWithRunner("/opt/trt-runner", 0, &fileRunner{fail: true}), "m.engine",
		backend.Device{Type: backend.DeviceCUDA}, config.CommonConfig{})

	_, err := b.Infer(context.Background(), tensor.NewMap())
	assert.ErrorIs(t, err, errdefs.ErrInference)
	assert.Contains(t, err.Error(), "deserialization failed")
}

func TestFactory_RequiresCUDA(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "trt-runner")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "end2end.engine"), []byte("plan"), 0o644))
	cfg := config.BackendConfig{Type: "tensorrt", Runner: config.RunnerConfig{BinPath: bin}}
	artifact := &backend.Artifact{Paths: []string{dir}}

	_, err := Factory(context.Background(), artifact, backend.CPU, cfg)
	assert.ErrorIs(t, err, errdefs.ErrBackendLoad)

	h, err := Factory(context.Background(), artifact, backend.Device{Type: backend.DeviceCUDA}, cfg)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "end2end.engine"), h.(*Backend).enginePath)
	assert.NoError(t, h.Close())
}

package onnxruntime

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

// echoRunner decodes the request and answers with every input renamed to
// "out_<name>".
type echoRunner struct {
	args []string
}

func (r *echoRunner) Run(_ context.Context, _ string, args []string, stdin io.Reader) ([]byte, []byte, error) {
	r.args = args
	data, err := io.ReadAll(stdin)
	if err != nil {
		return nil, nil, err
	}
	in, err := tensor.Unmarshal(data)
	if err != nil {
		return nil, []byte("bad request"), err
	}
	out := tensor.NewMap()
	for _, name := range in.Names() {
		t, _ := in.Get(name)
		out.Set("out_"+name, t)
	}
	payload, err := tensor.Marshal(out)
	return payload, nil, err
}

type failingRunner struct {
	stdout []byte
	stderr []byte
	err    error
}

func (r failingRunner) Run(context.Context, string, []string, io.Reader) ([]byte, []byte, error) {
	return r.stdout, r.stderr, r.err
}

func TestBackend_Infer(t *testing.T) {
	runner := &echoRunner{}
	exec := backend.NewExecutorWithRunner("/opt/ort-runner", 0, runner)
	b := NewBackend(exec, "/models/end2end.onnx", backend.Device{Type: backend.DeviceCUDA, Index: 1}, []string{"out_input"}, []string{"--threads", "2"})

	in := tensor.MapOf("input", tensor.MustFloat32(tensor.Shape{1, 2}, []float32{1, 2}))
	out, err := b.Infer(context.Background(), in)
	require.NoError(t, err)

	got, ok := out.Get("out_input")
	require.True(t, ok)
	assert.Equal(t, []float32{1, 2}, got.Float32s())

	assert.Equal(t, []string{
		"--model", "/models/end2end.onnx",
		"--provider", "cuda", "--device-id", "1",
		"--output-names", "out_input",
		"--threads", "2",
	}, runner.args)
}

func TestBackend_InferFailures(t *testing.T) {
	tests := map[string]failingRunner{
		"runner exits non-zero": {stderr: []byte("onnxruntime: invalid graph"), err: errors.New("exit status 1")},
		"garbage output":        {stdout: []byte("not a protobuf payload \xff\xff")},
	}

	for name, runner := range tests {
		t.Run(name, func(t *testing.T) {
			b := NewBackend(backend.NewExecutorWithRunner("/opt/ort-runner", 0, runner), "m.onnx", backend.CPU, nil, nil)
			_, err := b.Infer(context.Background(), tensor.NewMap())
			assert.ErrorIs(t, err, errdefs.ErrInference)
		})
	}
}

func TestFactory(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "ort-runner")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755))
	cfg := config.BackendConfig{Type: "onnxruntime", Runner: config.RunnerConfig{BinPath: bin}}

	t.Run("missing runner", func(t *testing.T) {
		_, err := Factory(context.Background(), &backend.Artifact{Paths: []string{dir}}, backend.CPU, config.BackendConfig{})
		assert.ErrorIs(t, err, errdefs.ErrBackendLoad)
	})

	t.Run("no onnx file", func(t *testing.T) {
		_, err := Factory(context.Background(), &backend.Artifact{Paths: []string{dir}}, backend.CPU, cfg)
		assert.ErrorIs(t, err, errdefs.ErrBackendLoad)
	})

	t.Run("buffer is spilled and removed on close", func(t *testing.T) {
		h, err := Factory(context.Background(), &backend.Artifact{Buffer: []byte("onnx")}, backend.CPU, cfg)
		require.NoError(t, err)

		b := h.(*Backend)
		spilled := b.modelPath
		assert.FileExists(t, spilled)

		require.NoError(t, h.Close())
		require.NoError(t, h.Close())
		assert.NoFileExists(t, spilled)
	})
}

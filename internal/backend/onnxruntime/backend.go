// Package onnxruntime drives an ONNX Runtime runner binary. Each Infer call
// sends the protobuf-encoded input map on stdin and reads the output map
// from stdout.
package onnxruntime

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ekisa-team/deployrt/internal/backend"
	"github.com/ekisa-team/deployrt/internal/config"
	"github.com/ekisa-team/deployrt/internal/errdefs"
	"github.com/ekisa-team/deployrt/internal/tensor"
)

// Extensions lists the artifact files the runner accepts, in priority order.
var Extensions = []string{".onnx", ".ort"}

// Backend implements backend.Handle for ONNX Runtime.
type Backend struct {
	executor    *backend.Executor
	modelPath   string
	device      backend.Device
	outputNames []string
	extraArgs   []string
	tempDir     string
}

// NewBackend creates a Backend around an executor. The model file must exist.
func NewBackend(executor *backend.Executor, modelPath string, device backend.Device, outputNames []string, extraArgs []string) *Backend {
	return &Backend{
		executor:    executor,
		modelPath:   modelPath,
		device:      device,
		outputNames: outputNames,
		extraArgs:   extraArgs,
	}
}

// Factory loads an ONNX artifact. An artifact that only carries an in-memory
// buffer is spilled to a temp file that is removed on Close.
func Factory(_ context.Context, artifact *backend.Artifact, device backend.Device, cfg config.BackendConfig) (backend.Handle, error) {
	executor, err := backend.NewExecutor(cfg.Runner.BinPath, cfg.Runner.Timeout)
	if err != nil {
		return nil, errdefs.BackendLoad("onnxruntime runner: %v", err)
	}

	var tempDir string
	paths := artifact.Paths
	if len(paths) == 0 && len(artifact.Buffer) > 0 {
		tempDir, err = os.MkdirTemp("", "deployrt-ort-")
		if err != nil {
			return nil, errdefs.BackendLoad("spill artifact buffer: %v", err)
		}
		spilled := filepath.Join(tempDir, "end2end.onnx")
		if err := os.WriteFile(spilled, artifact.Buffer, 0o600); err != nil {
			os.RemoveAll(tempDir)
			return nil, errdefs.BackendLoad("spill artifact buffer: %v", err)
		}
		paths = []string{spilled}
	}

	modelPath := artifact.Primary
	if modelPath == "" {
		modelPath, err = backend.ResolvePrimary(paths, Extensions)
	}
	if err != nil {
		if tempDir != "" {
			os.RemoveAll(tempDir)
		}
		return nil, errdefs.BackendLoad("onnxruntime artifact: %v", err)
	}

	b := NewBackend(executor, modelPath, device, artifact.Signature.OutputNames(), cfg.Runner.Args)
	b.tempDir = tempDir
	return b, nil
}

// Entry registers the backend.
func Entry() backend.Entry {
	return backend.Entry{Kind: backend.KindONNXRuntime, Factory: Factory, Extensions: Extensions}
}

// Kind returns the backend identifier.
func (b *Backend) Kind() backend.Kind {
	return backend.KindONNXRuntime
}

// Infer executes one inference.
func (b *Backend) Infer(ctx context.Context, inputs *tensor.Map) (*tensor.Map, error) {
	payload, err := tensor.Marshal(inputs)
	if err != nil {
		return nil, errdefs.Inference("encode inputs: %v", err)
	}

	args := b.buildArgs()
	stdout, stderr, err := b.executor.Execute(ctx, args, bytes.NewReader(payload))
	if err != nil {
		return nil, errdefs.Inference("execution failed: %v\nstderr: %s", err, stderr)
	}

	outputs, err := tensor.Unmarshal(stdout)
	if err != nil {
		return nil, errdefs.Inference("decode runner output: %v", err)
	}

	slog.Debug("onnxruntime inference done", "model", b.modelPath, "outputs", outputs.Names())
	return outputs, nil
}

// buildArgs builds runner command-line arguments.
func (b *Backend) buildArgs() []string {
	args := []string{"--model", b.modelPath}

	// Execution provider
	if b.device.Type == backend.DeviceCUDA {
		args = append(args, "--provider", "cuda", "--device-id", strconv.Itoa(b.device.Index))
	} else {
		args = append(args, "--provider", "cpu")
	}

	if len(b.outputNames) > 0 {
		args = append(args, "--output-names", strings.Join(b.outputNames, ","))
	}

	args = append(args, b.extraArgs...)
	return args
}

// Close removes a spilled artifact, if any.
func (b *Backend) Close() error {
	if b.tempDir == "" {
		return nil
	}
	dir := b.tempDir
	b.tempDir = ""
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove spilled artifact: %w", err)
	}
	return nil
}

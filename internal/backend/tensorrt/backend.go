// Package tensorrt drives a TensorRT engine runner. The runner reads the
// protobuf-encoded inputs from stdin and writes its outputs to a file.
package tensorrt

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ekisa-team/deployrt/internal/backend"
	"github.com/ekisa-team/deployrt/internal/config"
	"github.com/ekisa-team/deployrt/internal/errdefs"
	"github.com/ekisa-team/deployrt/internal/tensor"
)

// Extensions lists serialized engine files in priority order.
var Extensions = []string{".engine", ".plan", ".trt"}

// Backend implements backend.Handle for TensorRT.
type Backend struct {
	executor   *backend.Executor
	enginePath string
	device     backend.Device
	common     config.CommonConfig
	tempDir    string
}

// NewBackend creates a Backend around an executor.
func NewBackend(executor *backend.Executor, enginePath string, device backend.Device, common config.CommonConfig) *Backend {
	return &Backend{
		executor:   executor,
		enginePath: enginePath,
		device:     device,
		common:     common,
		tempDir:    os.TempDir(),
	}
}

// Factory loads a serialized engine. TensorRT only runs on CUDA devices.
func Factory(_ context.Context, artifact *backend.Artifact, device backend.Device, cfg config.BackendConfig) (backend.Handle, error) {
	if device.Type != backend.DeviceCUDA {
		return nil, errdefs.BackendLoad("tensorrt requires a cuda device, got %s", device)
	}

	executor, err := backend.NewExecutor(cfg.Runner.BinPath, cfg.Runner.Timeout)
	if err != nil {
		return nil, errdefs.BackendLoad("tensorrt runner: %v", err)
	}

	enginePath := artifact.Primary
	if enginePath == "" {
		enginePath, err = backend.ResolvePrimary(artifact.Paths, Extensions)
	}
	if err != nil {
		return nil, errdefs.BackendLoad("tensorrt artifact: %v", err)
	}

	return NewBackend(executor, enginePath, device, cfg.Common), nil
}

// Entry registers the backend.
func Entry() backend.Entry {
	return backend.Entry{Kind: backend.KindTensorRT, Factory: Factory, Extensions: Extensions}
}

// Kind returns the backend identifier.
func (b *Backend) Kind() backend.Kind {
	return backend.KindTensorRT
}

// Infer runs the engine once.
func (b *Backend) Infer(ctx context.Context, inputs *tensor.Map) (*tensor.Map, error) {
	// The runner only writes results to a file, so a temp file is used and
	// read back.
	outputFile := filepath.Join(b.tempDir, fmt.Sprintf("trt_%d.pb", time.Now().UnixNano()))
	defer os.Remove(outputFile)

	payload, err := tensor.Marshal(inputs)
	if err != nil {
		return nil, errdefs.Inference("encode inputs: %v", err)
	}

	args := b.buildArgs(outputFile)
	_, stderr, err := b.executor.Execute(ctx, args, bytes.NewReader(payload))
	if err != nil {
		return nil, errdefs.Inference("execution failed: %v\nstderr: %s", err, stderr)
	}

	data, err := os.ReadFile(outputFile)
	if err != nil {
		return nil, errdefs.Inference("failed to read engine output: %v", err)
	}

	outputs, err := tensor.Unmarshal(data)
	if err != nil {
		return nil, errdefs.Inference("decode engine output: %v", err)
	}
	return outputs, nil
}

// buildArgs builds runner command-line arguments.
func (b *Backend) buildArgs(outputFile string) []string {
	args := []string{
		"--engine", b.enginePath,
		"--output_file", outputFile,
		"--device", strconv.Itoa(b.device.Index),
	}

	if b.common.FP16Mode {
		args = append(args, "--fp16")
	}

	if b.common.MaxWorkspaceSize > 0 {
		args = append(args, "--workspace", strconv.FormatInt(b.common.MaxWorkspaceSize, 10))
	}

	return args
}

// Close cleans up resources. The runner holds no state between calls.
func (b *Backend) Close() error {
	return nil
}

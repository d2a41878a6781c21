package task

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ekisa-team/deployrt/internal/backend"
	"github.com/ekisa-team/deployrt/internal/config"
	"github.com/ekisa-team/deployrt/internal/errdefs"
)

// ExportRequest is one conversion of a reference model for a backend.
type ExportRequest struct {
	Model   *ReferenceModel
	Deploy  *config.DeployConfig
	WorkDir string
}

// Exporter converts a reference model into backend artifact files and
// returns their paths. It must treat the request as read-only.
type Exporter interface {
	Export(ctx context.Context, req ExportRequest) ([]string, error)
}

// CommandExporter runs an external conversion tool. The tool receives the
// deploy and model configs as JSON on stdin and prints one artifact path per
// line; relative paths are taken relative to the work dir.
type CommandExporter struct {
	executor *backend.Executor
}

// NewCommandExporter creates an exporter around executor.
func NewCommandExporter(executor *backend.Executor) *CommandExporter {
	return &CommandExporter{executor: executor}
}

type exportInput struct {
	DeployConfig *config.DeployConfig `json:"deploy_config"`
	ModelConfig  map[string]any       `json:"model_config,omitempty"`
}

// Export runs the tool. Failures carry errdefs.ErrExport and the tool's
// stderr.
func (e *CommandExporter) Export(ctx context.Context, req ExportRequest) ([]string, error) {
	if req.Model == nil || req.Deploy == nil {
		return nil, errdefs.Export("model and deploy config are required")
	}
	if err := os.MkdirAll(req.WorkDir, 0o755); err != nil {
		return nil, errdefs.Export("create work dir: %v", err)
	}

	stdin, err := json.Marshal(exportInput{DeployConfig: req.Deploy, ModelConfig: req.Model.Config})
	if err != nil {
		return nil, errdefs.Export("encode configs: %v", err)
	}

	args := exportArgs(req)
	slog.Info("Exporting model", "exporter", e.executor.BinaryPath(), "backend", req.Deploy.Backend.Type, "work_dir", req.WorkDir)

	stdout, stderr, err := e.executor.Execute(ctx, args, bytes.NewReader(stdin))
	if err != nil {
		return nil, errdefs.Export("%s: %v: %s", filepath.Base(e.executor.BinaryPath()), err, strings.TrimSpace(string(stderr)))
	}

	paths, err := artifactPaths(stdout, req.WorkDir)
	if err != nil {
		return nil, errdefs.Export("%v", err)
	}
	if len(paths) == 0 {
		return nil, errdefs.Export("exporter produced no artifacts in %s", req.WorkDir)
	}
	return paths, nil
}

func exportArgs(req ExportRequest) []string {
	args := []string{
		"--codebase", req.Model.Codebase,
		"--task", req.Model.Task,
		"--backend", req.Deploy.Backend.Type,
		"--work-dir", req.WorkDir,
	}
	if req.Model.Checkpoint != "" {
		args = append(args, "--checkpoint", req.Model.Checkpoint)
	}
	if onnx := req.Deploy.Onnx; onnx.OpsetVersion > 0 {
		args = append(args, "--opset", strconv.Itoa(onnx.OpsetVersion))
	}
	if req.Deploy.Onnx.SaveFile != "" {
		args = append(args, "--save-file", req.Deploy.Onnx.SaveFile)
	}
	return args
}

func artifactPaths(stdout []byte, workDir string) ([]string, error) {
	var paths []string
	sc := bufio.NewScanner(bytes.NewReader(stdout))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !filepath.IsAbs(line) {
			line = filepath.Join(workDir, line)
		}
		if _, err := os.Stat(line); err != nil {
			return nil, fmt.Errorf("reported artifact: %w", err)
		}
		paths = append(paths, line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(paths) > 0 {
		return paths, nil
	}

	// Nothing reported: take whatever landed in the work dir.
	entries, err := os.ReadDir(workDir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if !e.IsDir() {
			paths = append(paths, filepath.Join(workDir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

package main

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekisa-team/deployrt/internal/backend"
	"github.com/ekisa-team/deployrt/internal/config"
	"github.com/ekisa-team/deployrt/internal/envvar"
	"github.com/ekisa-team/deployrt/internal/errdefs"
	"github.com/ekisa-team/deployrt/internal/pipeline"
	"github.com/ekisa-team/deployrt/internal/store"
	"github.com/ekisa-team/deployrt/internal/task"
	"github.com/ekisa-team/deployrt/internal/task/classification"
)

const classificationDeploy = `
backend_config:
  type: onnxruntime
codebase_config:
  type: mmcls
  task: Classification
  topk: 1
onnx_config:
  input_names: [input]
  output_names: [output]
`

const classificationModel = `
data:
  samples_per_gpu: 2
  workers_per_gpu: 1
  test:
    type: CustomDataset
    ann_file: %s
    data_prefix: %s
test_pipeline:
  - {type: LoadImageFromFile}
  - {type: Resize, scale: [8, 8]}
  - {type: Normalize, mean: [128, 128, 128], std: [64, 64, 64]}
  - {type: ImageToTensor}
  - {type: Collect, keys: [img]}
`

func writeFixtures(t *testing.T) (deployPath, modelPath string) {
	t.Helper()
	dir := t.TempDir()

	var ann []byte
	for _, name := range []string{"a.png", "b.png", "c.png"} {
		img := image.NewRGBA(image.Rect(0, 0, 10, 10))
		for i := range img.Pix {
			img.Pix[i] = uint8(i)
		}
		require.NoError(t, pipeline.WriteImage(filepath.Join(dir, name), img))
		ann = append(ann, []byte(name+" 0\n")...)
	}
	annPath := filepath.Join(dir, "test.txt")
	require.NoError(t, os.WriteFile(annPath, ann, 0o644))

	deployPath = filepath.Join(dir, "deploy.yaml")
	require.NoError(t, os.WriteFile(deployPath, []byte(classificationDeploy), 0o644))

	modelPath = filepath.Join(dir, "model.yaml")
	model := []byte(fmt.Sprintf(classificationModel, annPath, dir))
	require.NoError(t, os.WriteFile(modelPath, model, 0o644))
	return deployPath, modelPath
}

func TestRun_DryRunEvaluation(t *testing.T) {
	t.Setenv(envvar.DeployrtCacheDir, t.TempDir())
	deployPath, modelPath := writeFixtures(t)
	showDir := t.TempDir()
	dbPath := filepath.Join(t.TempDir(), "runs.db")

	err := run(context.Background(), flags{
		deployConfig: deployPath,
		modelConfig:  modelPath,
		device:       "cpu",
		split:        "test",
		showDir:      showDir,
		showInterval: 2,
		out:          dbPath,
		dryRun:       true,
	})
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(showDir, "000000_a.jpg"))
	assert.FileExists(t, filepath.Join(showDir, "000002_c.jpg"))
	assert.NoFileExists(t, filepath.Join(showDir, "000001_b.jpg"))

	db, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer db.Close()

	runs, err := db.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	got, err := db.GetRun(context.Background(), runs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "mmcls", got.Codebase)
	assert.Equal(t, "Classification", got.Task)
	assert.Equal(t, "stub", got.Backend)
	assert.Equal(t, "cpu", got.Device)
	assert.Equal(t, 3, got.Samples)
	// The stub scores every class zero, so label 0 always wins.
	assert.InDelta(t, 100.0, got.Metrics["accuracy_top-1"], 1e-9)
	assert.NotEmpty(t, got.Results)
}

func TestRun_Errors(t *testing.T) {
	t.Setenv(envvar.DeployrtCacheDir, t.TempDir())
	deployPath, modelPath := writeFixtures(t)

	t.Run("no model config", func(t *testing.T) {
		err := run(context.Background(), flags{deployConfig: deployPath, device: "cpu", dryRun: true})
		assert.ErrorIs(t, err, errdefs.ErrConfiguration)
	})

	t.Run("unknown device", func(t *testing.T) {
		err := run(context.Background(), flags{deployConfig: deployPath, device: "tpu"})
		assert.ErrorIs(t, err, errdefs.ErrBackendLoad)
	})

	t.Run("missing split", func(t *testing.T) {
		err := run(context.Background(), flags{deployConfig: deployPath, modelConfig: modelPath, device: "cpu", split: "val", dryRun: true})
		assert.ErrorIs(t, err, errdefs.ErrDataset)
	})

	t.Run("no exporter", func(t *testing.T) {
		err := run(context.Background(), flags{deployConfig: deployPath, modelConfig: modelPath, device: "cpu", split: "test"})
		assert.ErrorIs(t, err, errdefs.ErrExport)
	})
}

func TestSplitPaths(t *testing.T) {
	assert.Equal(t, []string{"a.onnx", "s3://bucket/b.engine"}, splitPaths(" a.onnx, ,s3://bucket/b.engine"))
	assert.Nil(t, splitPaths(""))
}

func TestOpen_DryRun(t *testing.T) {
	registry, err := newRegistry(backend.NewServerManager(), true)
	require.NoError(t, err)

	a := &app{flags: flags{dryRun: true}, device: backend.CPU, registry: registry}
	deployCfg, err := config.ParseDeployConfig([]byte(classificationDeploy), "")
	require.NoError(t, err)

	p, h, paths, err := a.open(context.Background(), deployCfg)
	require.NoError(t, err)
	defer h.Close()
	assert.Empty(t, paths)
	assert.Equal(t, backend.KindStub, h.Kind())
	assert.Equal(t, "onnxruntime", deployCfg.Backend.Type, "dry run must not modify the snapshot")

	result, err := task.Infer(context.Background(), p, h, image.NewRGBA(image.Rect(0, 0, 16, 16)), nil)
	require.NoError(t, err)
	r, ok := result.(classification.Result)
	require.True(t, ok, "got %T", result)
	assert.Equal(t, 0, r.Label)
	assert.Len(t, r.TopK, 1)
}

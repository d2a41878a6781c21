package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekisa-team/deployrt/internal/errdefs"
)

const inpaintingDeploy = `
backend_config:
  type: onnxruntime
  runner:
    bin_path: /usr/local/bin/ort-runner
    timeout: 30s
codebase_config:
  type: mmedit
  task: Inpainting
onnx_config:
  type: onnx
  export_params: true
  keep_initializers_as_inputs: false
  opset_version: 11
  input_shape: null
  input_names: [masked_img, mask]
  output_names: [fake_img]
  dynamic_axes:
    masked_img: {0: batch, 2: height, 3: width}
`

const inpaintingModel = `
model:
  type: GLInpaintor
data:
  samples_per_gpu: 1
  workers_per_gpu: 1
  test:
    type: ImgInpaintingDataset
    ann_file: data/ann_file.txt
    data_prefix: data
    pipeline:
      - {type: LoadImageFromFile, key: gt_img}
      - {type: LoadMask, mask_mode: bbox, bbox_shape: [8, 8]}
test_pipeline:
  - {type: LoadImageFromFile, key: gt_img}
  - {type: Normalize, keys: [gt_img], mean: [127.5, 127.5, 127.5], std: [127.5, 127.5, 127.5]}
`

func TestParseDeployConfig(t *testing.T) {
	cfg, err := ParseDeployConfig([]byte(inpaintingDeploy), "")
	require.NoError(t, err)

	assert.Equal(t, "onnxruntime", cfg.Backend.Type)
	assert.Equal(t, 30*time.Second, cfg.Backend.Runner.Timeout)
	assert.Equal(t, "mmedit", cfg.Codebase.Type)
	assert.Equal(t, "Inpainting", cfg.Codebase.Task)
	assert.Equal(t, 11, cfg.Onnx.OpsetVersion)
	assert.Nil(t, cfg.Partition)

	contract := cfg.IOContract()
	assert.Equal(t, []string{"masked_img", "mask"}, contract.InputNames)
	assert.Equal(t, []string{"fake_img"}, contract.OutputNames)
	assert.Empty(t, contract.InputShape)
	assert.Equal(t, "batch", cfg.Onnx.DynamicAxes["masked_img"][0])
}

func TestParseDeployConfig_SchemaViolations(t *testing.T) {
	tests := map[string]string{
		"missing backend": `
codebase_config: {type: mmedit, task: Inpainting}
onnx_config: {input_names: [a], output_names: [b]}
`,
		"empty output names": `
backend_config: {type: onnxruntime}
codebase_config: {type: mmedit, task: Inpainting}
onnx_config: {input_names: [a], output_names: []}
`,
		"bad input shape": `
backend_config: {type: onnxruntime}
codebase_config: {type: mmedit, task: Inpainting}
onnx_config: {input_names: [a], output_names: [b], input_shape: [0, 3, 4]}
`,
		"not yaml": "backend_config: [",
	}

	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDeployConfig([]byte(doc), "")
			assert.ErrorIs(t, err, errdefs.ErrConfiguration)
		})
	}
}

func TestParseModelConfig(t *testing.T) {
	cfg, err := ParseModelConfig([]byte(inpaintingModel))
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.Data.SamplesPerGPU)
	test, ok := cfg.Split("test")
	require.True(t, ok)
	assert.Equal(t, "ImgInpaintingDataset", test.Type)
	assert.Equal(t, "data/ann_file.txt", test.AnnFile)
	require.Len(t, test.Pipeline, 2)
	assert.Equal(t, "LoadMask", test.Pipeline[1].Type())

	_, ok = cfg.Split("train")
	assert.False(t, ok)

	require.Len(t, cfg.TestPipeline, 2)
	assert.Equal(t, "GLInpaintor", cfg.Model["type"])
}

func TestLoadDeployConfig_MissingFile(t *testing.T) {
	_, err := LoadDeployConfig(filepath.Join(t.TempDir(), "nope.yaml"), "")
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deploy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(inpaintingDeploy), 0o644))

	reloaded := make(chan *DeployConfig, 1)
	w, err := NewWatcher(path, "", func(cfg *DeployConfig, err error) {
		if err == nil {
			reloaded <- cfg
		}
	})
	require.NoError(t, err)
	defer w.Close()

	first := w.Snapshot()
	assert.Equal(t, "onnxruntime", first.Backend.Type)

	updated := []byte(inpaintingDeploy + "partition_config: {type: single_stage}\n")
	require.NoError(t, os.WriteFile(path, updated, 0o644))

	select {
	case cfg := <-reloaded:
		require.NotNil(t, cfg.Partition)
		assert.Equal(t, "single_stage", cfg.Partition.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}

	assert.Nil(t, first.Partition, "earlier snapshot must stay untouched")
	assert.GreaterOrEqual(t, w.ReloadCount(), uint32(1))
}

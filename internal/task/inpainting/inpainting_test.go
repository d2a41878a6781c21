package inpainting

import (
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekisa-team/deployrt/internal/backend"
	"github.com/ekisa-team/deployrt/internal/backend/stub"
	"github.com/ekisa-team/deployrt/internal/config"
	"github.com/ekisa-team/deployrt/internal/errdefs"
	"github.com/ekisa-team/deployrt/internal/eval"
	"github.com/ekisa-team/deployrt/internal/pipeline"
	"github.com/ekisa-team/deployrt/internal/task"
	"github.com/ekisa-team/deployrt/internal/tensor"
)

func deployConfig() *config.DeployConfig {
	return &config.DeployConfig{
		Backend:  config.BackendConfig{Type: "stub"},
		Codebase: config.CodebaseConfig{Type: Codebase, Task: Task},
		Onnx: config.OnnxConfig{
			InputNames:  []string{"masked_img", "mask"},
			OutputNames: []string{"fake_img"},
		},
	}
}

func modelConfig() *config.ModelConfig {
	return &config.ModelConfig{
		TestPipeline: []config.StepConfig{
			{"type": "LoadImageFromFile", "key": "gt_img"},
			{"type": "LoadMask", "mask_mode": "bbox", "bbox_shape": []any{8, 8}},
			{"type": "Normalize", "keys": []any{"gt_img"}, "mean": []any{127.5, 127.5, 127.5}, "std": []any{127.5, 127.5, 127.5}},
			{"type": "GetMaskedImage"},
			{"type": "ImageToTensor", "keys": []any{"masked_img", "mask"}},
			{"type": "Collect", "keys": []any{"masked_img", "mask"}, "meta_keys": []any{"ori_shape", "img_norm_cfg"}},
		},
	}
}

func newProcessor(t *testing.T, outputs *tensor.Map) task.Processor {
	t.Helper()
	backends, err := backend.NewRegistry(stub.Entry(outputs))
	require.NoError(t, err)
	reg, err := task.NewRegistry(backends, Entry())
	require.NoError(t, err)
	p, err := reg.Resolve(modelConfig(), deployConfig(), backend.CPU)
	require.NoError(t, err)
	return p
}

func imageTensor(h, w int) *tensor.Tensor {
	px := make([]uint8, h*w*3)
	for i := range px {
		px[i] = uint8(i * 7 % 251)
	}
	return tensor.Must(tensor.FromUint8(tensor.Shape{int64(h), int64(w), 3}, px))
}

func fakeImg() *tensor.Map {
	values := make([]float32, 3*32*32)
	for i := range values {
		values[i] = float32(i%200)/100 - 1
	}
	return tensor.MapOf("fake_img", tensor.MustFloat32(tensor.Shape{3, 32, 32}, values))
}

func TestResolve(t *testing.T) {
	backends, err := backend.NewRegistry(stub.Entry(nil))
	require.NoError(t, err)
	reg, err := task.NewRegistry(backends, Entry())
	require.NoError(t, err)

	p, err := reg.Resolve(modelConfig(), deployConfig(), backend.CPU)
	require.NoError(t, err)
	assert.Equal(t, "mmedit", p.Codebase())
	assert.Equal(t, "Inpainting", p.Task())
	assert.Equal(t, []string{"masked_img", "mask"}, p.Signature().InputNames())

	cfg := deployConfig()
	cfg.Codebase.Task = "SuperResolution"
	_, err = reg.Resolve(modelConfig(), cfg, backend.CPU)
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
	assert.Contains(t, err.Error(), "mmedit/SuperResolution")

	cfg = deployConfig()
	cfg.Onnx.InputNames = []string{"input"}
	_, err = reg.Resolve(modelConfig(), cfg, backend.CPU)
	assert.ErrorIs(t, err, errdefs.ErrConfiguration)
}

func TestBuildInput_IsPure(t *testing.T) {
	p := newProcessor(t, nil)
	raw := imageTensor(32, 32)

	first, meta, err := p.BuildInput(raw, nil)
	require.NoError(t, err)
	second, _, err := p.BuildInput(raw, nil)
	require.NoError(t, err)
	assert.True(t, first.Equal(second))

	masked, ok := first.Get("masked_img")
	require.True(t, ok)
	assert.Equal(t, tensor.Shape{1, 3, 32, 32}, masked.Shape())
	assert.Equal(t, tensor.Float32, masked.DType())

	mask, ok := first.Get("mask")
	require.True(t, ok)
	assert.Equal(t, tensor.Shape{1, 1, 32, 32}, mask.Shape())

	assert.Equal(t, tensor.Shape{32, 32, 3}, meta["ori_shape"])
	assert.Equal(t, imageTensor(32, 32), raw, "raw input must not be modified")
}

func TestBuildInput_Sources(t *testing.T) {
	p := newProcessor(t, nil)
	dir := t.TempDir()
	img, err := tensor.ToImage(imageTensor(16, 16))
	require.NoError(t, err)
	path := filepath.Join(dir, "in.png")
	require.NoError(t, pipeline.WriteImage(path, img))

	fromPath, _, err := p.BuildInput(path, nil)
	require.NoError(t, err)
	fromImage, _, err := p.BuildInput(img, nil)
	require.NoError(t, err)
	assert.True(t, fromPath.Equal(fromImage))

	resized, _, err := p.BuildInput(img, map[string]any{"input_shape": []int{8, 8}})
	require.NoError(t, err)
	masked, _ := resized.Get("masked_img")
	assert.Equal(t, tensor.Shape{1, 3, 16, 16}, masked.Shape(), "pipeline has no Resize to override")

	_, _, err = p.BuildInput(42, nil)
	assert.ErrorIs(t, err, errdefs.ErrInput)
	_, _, err = p.BuildInput(filepath.Join(dir, "missing.png"), nil)
	assert.ErrorIs(t, err, errdefs.ErrInput)
	_, _, err = p.BuildInput(tensor.Must(tensor.Zeros(tensor.Uint8, tensor.Shape{4})), nil)
	assert.ErrorIs(t, err, errdefs.ErrInput)
}

func TestRunInference_StubPassthrough(t *testing.T) {
	want := fakeImg()
	p := newProcessor(t, want)

	h, err := p.LoadBackend(context.Background(), nil, backend.CPU)
	require.NoError(t, err)
	defer h.Close()

	inputs, _, err := p.BuildInput(imageTensor(32, 32), nil)
	require.NoError(t, err)
	out, err := p.RunInference(context.Background(), h, inputs)
	require.NoError(t, err)
	assert.True(t, want.Equal(out))

	got, ok := out.Get("fake_img")
	require.True(t, ok)
	assert.Equal(t, tensor.Shape{3, 32, 32}, got.Shape())
}

func TestDecodeOutput(t *testing.T) {
	p := newProcessor(t, nil)
	_, meta, err := p.BuildInput(imageTensor(32, 32), nil)
	require.NoError(t, err)

	res, err := p.DecodeOutput(fakeImg(), meta)
	require.NoError(t, err)
	img := res.(Result).Image
	assert.Equal(t, tensor.Shape{32, 32, 3}, img.Shape())
	assert.Equal(t, tensor.Uint8, img.DType())
	// -1 maps back to 0 and 0.99 to 253 through mean 127.5 and std 127.5.
	assert.Equal(t, float32(0), img.Float32s()[0])

	_, err = p.DecodeOutput(tensor.NewMap(), meta)
	assert.ErrorIs(t, err, errdefs.ErrInference)
}

func TestVisualize_WritesFile(t *testing.T) {
	p := newProcessor(t, fakeImg())
	h, err := p.LoadBackend(context.Background(), nil, backend.CPU)
	require.NoError(t, err)
	defer h.Close()

	raw := imageTensor(32, 32)
	inputs, meta, err := p.BuildInput(raw, nil)
	require.NoError(t, err)
	out, err := p.RunInference(context.Background(), h, inputs)
	require.NoError(t, err)
	res, err := p.DecodeOutput(out, meta)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "vis", "out.png")
	require.NoError(t, p.Visualize(context.Background(), h, raw, res, path, "onnxruntime"))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	// Without a result the handle is run.
	jpg := filepath.Join(t.TempDir(), "out.jpg")
	require.NoError(t, p.Visualize(context.Background(), h, raw, nil, jpg, "onnxruntime"))
	assert.FileExists(t, jpg)

	err = p.Visualize(context.Background(), h, "missing.png", res, path, "onnxruntime")
	assert.ErrorIs(t, err, errdefs.ErrVisualization)
	err = p.Visualize(context.Background(), h, raw, res, "", "onnxruntime")
	assert.ErrorIs(t, err, errdefs.ErrVisualization)
}

func TestCapabilities_NotSupported(t *testing.T) {
	p := newProcessor(t, nil)

	_, err := p.TensorAdapter()
	assert.ErrorIs(t, err, errdefs.ErrNotSupported)
	assert.True(t, errdefs.IsNotSupported(err))

	_, err = p.PartitionConfig()
	assert.ErrorIs(t, err, errdefs.ErrNotSupported)
}

func writeDataset(t *testing.T, n int) *config.ModelConfig {
	t.Helper()
	dir := t.TempDir()
	var lines []string
	for i := 0; i < n; i++ {
		img := image.NewRGBA(image.Rect(0, 0, 16, 16))
		for y := 0; y < 16; y++ {
			for x := 0; x < 16; x++ {
				img.SetRGBA(x, y, color.RGBA{R: uint8(16 * x), G: uint8(16 * y), B: uint8(40 * i), A: 255})
			}
		}
		name := filepath.Join("imgs", string(rune('a'+i))+".png")
		require.NoError(t, pipeline.WriteImage(filepath.Join(dir, name), img))
		lines = append(lines, name)
	}
	ann := filepath.Join(dir, "test.txt")
	require.NoError(t, os.WriteFile(ann, []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	cfg := modelConfig()
	cfg.Data.Splits = map[string]config.DatasetConfig{
		"test": {Type: "ImgInpaintingDataset", AnnFile: ann, DataPrefix: dir},
	}
	return cfg
}

func TestEvaluate_IsDeterministic(t *testing.T) {
	p := newProcessor(t, nil)
	modelCfg := writeDataset(t, 3)

	ds, err := p.BuildDataset(context.Background(), modelCfg, "test")
	require.NoError(t, err)
	loader, err := p.BuildDataloader(ds, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, loader.Len())

	h, err := p.LoadBackend(context.Background(), nil, backend.CPU)
	require.NoError(t, err)
	defer h.Close()

	showDir := t.TempDir()
	opts := eval.Options{ShowDir: showDir, ShowInterval: 2}
	first, err := p.Evaluate(context.Background(), h, loader, opts)
	require.NoError(t, err)
	second, err := p.Evaluate(context.Background(), h, loader, opts)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	require.Len(t, first.Results, 3)
	for i, r := range first.Results {
		assert.Equal(t, i, r.Index)
	}
	assert.Contains(t, first.Metrics, "l1")
	assert.Greater(t, first.Metrics["psnr"], 0.0)

	shown, err := os.ReadDir(showDir)
	require.NoError(t, err)
	assert.Len(t, shown, 2)

	_, err = p.BuildDataset(context.Background(), modelCfg, "train")
	assert.ErrorIs(t, err, errdefs.ErrDataset)
}

func TestEvaluate_Batched(t *testing.T) {
	p := newProcessor(t, nil)
	modelCfg := writeDataset(t, 4)

	ds, err := p.BuildDataset(context.Background(), modelCfg, "test")
	require.NoError(t, err)
	loader, err := p.BuildDataloader(ds, 2, 2)
	require.NoError(t, err)

	h, err := p.LoadBackend(context.Background(), nil, backend.CPU)
	require.NoError(t, err)
	defer h.Close()

	batch, err := p.Evaluate(context.Background(), h, loader, eval.Options{})
	require.NoError(t, err)
	require.Len(t, batch.Results, 4)

	one, err := p.BuildDataloader(ds, 1, 1)
	require.NoError(t, err)
	single, err := p.Evaluate(context.Background(), h, one, eval.Options{})
	require.NoError(t, err)
	assert.Equal(t, single.Metrics, batch.Metrics)
}

func TestEvaluate_SplitPipelines(t *testing.T) {
	tests := map[string][]config.StepConfig{
		"loads only": {
			{"type": "LoadImageFromFile", "key": "gt_img"},
			{"type": "LoadMask"},
		},
		"collects HWC inputs": {
			{"type": "LoadImageFromFile", "key": "gt_img"},
			{"type": "LoadMask", "mask_mode": "bbox", "bbox_shape": []any{4, 4}},
			{"type": "GetMaskedImage"},
			{"type": "Collect", "keys": []any{"masked_img", "mask"}},
		},
	}

	for name, steps := range tests {
		t.Run(name, func(t *testing.T) {
			p := newProcessor(t, nil)
			modelCfg := writeDataset(t, 2)
			split := modelCfg.Data.Splits["test"]
			split.Pipeline = steps
			modelCfg.Data.Splits["test"] = split

			ds, err := p.BuildDataset(context.Background(), modelCfg, "test")
			require.NoError(t, err)
			loader, err := p.BuildDataloader(ds, 1, 1)
			require.NoError(t, err)

			h, err := p.LoadBackend(context.Background(), nil, backend.CPU)
			require.NoError(t, err)
			defer h.Close()

			batch, err := p.Evaluate(context.Background(), h, loader, eval.Options{})
			require.NoError(t, err)
			require.Len(t, batch.Results, 2)
			for _, r := range batch.Results {
				res, ok := r.Result.(Result)
				require.True(t, ok, "got %T", r.Result)
				assert.Equal(t, tensor.Shape{16, 16, 3}, res.Image.Shape())
			}
		})
	}
}

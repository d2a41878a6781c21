// Package inpainting is the mmedit/Inpainting task family: a masked image
// and its hole mask go in, the filled image comes out.
package inpainting

import (
	"fmt"
	"image"
	"image/draw"
	"math"

	"github.com/ekisa-team/deployrt/internal/backend"
	"github.com/ekisa-team/deployrt/internal/config"
	"github.com/ekisa-team/deployrt/internal/dataset"
	"github.com/ekisa-team/deployrt/internal/errdefs"
	"github.com/ekisa-team/deployrt/internal/eval"
	"github.com/ekisa-team/deployrt/internal/task"
	"github.com/ekisa-team/deployrt/internal/tensor"
)

const (
	Codebase = "mmedit"
	Task     = "Inpainting"
)

// Result is the filled image as an (H, W, 3) uint8 tensor.
type Result struct {
	Image *tensor.Tensor
}

// Entry registers the family.
func Entry() task.Entry {
	return task.Entry{
		Codebase: Codebase,
		Task:     Task,
		New:      func(task.Params) (task.Family, error) { return family{}, nil },
	}
}

type family struct{}

func (family) ImageKey() string { return "gt_img" }

func (family) Inputs() []task.InputSpec {
	return []task.InputSpec{
		{Key: "masked_img", Channels: 3},
		{Key: "mask", Channels: 1},
	}
}

func (family) Outputs() []backend.TensorSpec {
	return []backend.TensorSpec{
		{Name: "fake_img", DType: tensor.Float32, Shape: tensor.Shape{-1, 3, -1, -1}},
	}
}

func (family) DefaultPipeline() []config.StepConfig {
	return []config.StepConfig{
		{"type": "LoadImageFromFile", "key": "gt_img"},
		{"type": "LoadMask", "mask_mode": "bbox", "bbox_shape": []any{128, 128}},
		{"type": "Normalize", "keys": []any{"gt_img"}, "mean": []any{127.5, 127.5, 127.5}, "std": []any{127.5, 127.5, 127.5}, "to_rgb": false},
		{"type": "GetMaskedImage"},
		{"type": "ImageToTensor", "keys": []any{"masked_img", "mask"}},
		{"type": "Collect", "keys": []any{"masked_img", "mask"}, "meta_keys": []any{"ori_shape", "img_shape", "mask_bbox", "img_norm_cfg"}},
	}
}

// Decode denormalizes fake_img back to pixels using the img_norm_cfg the
// pipeline recorded. Without one, values are clamped as they are.
func (family) Decode(outputs []*tensor.Tensor, meta task.Metadata) (task.Result, error) {
	fake := outputs[0].SqueezeLeading()
	if fake.Rank() != 3 || fake.Shape()[0] != 3 {
		return nil, errdefs.Inference("fake_img must be (3, H, W), got %s", fake)
	}

	mean, std := []float64{0, 0, 0}, []float64{1, 1, 1}
	if norm, ok := meta["img_norm_cfg"].(map[string]any); ok {
		if m, ok := norm["mean"].([]float64); ok && len(m) == 3 {
			mean = m
		}
		if s, ok := norm["std"].([]float64); ok && len(s) == 3 {
			std = s
		}
	}

	shape := fake.Shape()
	h, w := int(shape[1]), int(shape[2])
	values := fake.Float32s()
	px := make([]uint8, h*w*3)
	for c := 0; c < 3; c++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				v := float64(values[(c*h+y)*w+x])*std[c] + mean[c]
				px[(y*w+x)*3+c] = uint8(math.Max(0, math.Min(255, math.Round(v))))
			}
		}
	}
	img, err := tensor.FromUint8(tensor.Shape{int64(h), int64(w), 3}, px)
	if err != nil {
		return nil, errdefs.Inference("fake_img: %v", err)
	}
	return Result{Image: img}, nil
}

// Render places the source and the filled image side by side.
func (family) Render(src image.Image, result task.Result) (image.Image, error) {
	r, ok := result.(Result)
	if !ok {
		return nil, fmt.Errorf("unexpected result %T", result)
	}
	out, err := tensor.ToImage(r.Image)
	if err != nil {
		return nil, err
	}

	sb, ob := src.Bounds(), out.Bounds()
	canvas := image.NewRGBA(image.Rect(0, 0, sb.Dx()+ob.Dx(), max(sb.Dy(), ob.Dy())))
	draw.Draw(canvas, image.Rect(0, 0, sb.Dx(), sb.Dy()), src, sb.Min, draw.Src)
	draw.Draw(canvas, image.Rect(sb.Dx(), 0, sb.Dx()+ob.Dx(), ob.Dy()), out, ob.Min, draw.Src)
	return canvas, nil
}

func (family) NewMetric() eval.Metric {
	return &metric{}
}

func (family) TensorAdapter() (task.TensorAdapter, error) {
	return nil, errdefs.NotSupported(Codebase+"/"+Task, "tensor adapter")
}

func (family) PartitionConfig() (*config.PartitionConfig, error) {
	return nil, errdefs.NotSupported(Codebase+"/"+Task, "partition")
}

// maxPSNR stands in for the infinite PSNR of a perfect reconstruction.
const maxPSNR = 100.0

// metric averages L1 (on a [0, 1] scale) and PSNR over samples with a
// ground-truth image.
type metric struct {
	n        int
	l1, psnr float64
}

func (m *metric) Add(result eval.Result, sample dataset.Sample) error {
	gt, ok := sample.GT.(*tensor.Tensor)
	if !ok || gt == nil {
		return nil
	}
	r, ok := result.(Result)
	if !ok {
		return errdefs.Dataset("unexpected result %T", result)
	}
	if !r.Image.Shape().Equal(gt.Shape()) {
		return errdefs.Dataset("prediction %s does not match ground truth %s", r.Image, gt)
	}

	pred, want := r.Image.Float32s(), gt.Float32s()
	var abs, sq float64
	for i := range pred {
		d := float64(pred[i]) - float64(want[i])
		abs += math.Abs(d)
		sq += d * d
	}
	n := float64(len(pred))
	m.l1 += abs / n / 255
	if mse := sq / n; mse == 0 {
		m.psnr += maxPSNR
	} else {
		m.psnr += min(maxPSNR, 10*math.Log10(255*255/mse))
	}
	m.n++
	return nil
}

func (m *metric) Finalize() map[string]float64 {
	if m.n == 0 {
		return map[string]float64{"l1": 0, "psnr": 0}
	}
	return map[string]float64{
		"l1":   m.l1 / float64(m.n),
		"psnr": m.psnr / float64(m.n),
	}
}

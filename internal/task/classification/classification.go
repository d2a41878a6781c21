// Package classification is the mmcls/Classification task family: one
// image in, class scores out.
package classification

import (
	"fmt"
	"image"
	"sort"

	"github.com/ekisa-team/deployrt/internal/backend"
	"github.com/ekisa-team/deployrt/internal/config"
	"github.com/ekisa-team/deployrt/internal/errdefs"
	"github.com/ekisa-team/deployrt/internal/eval"
	"github.com/ekisa-team/deployrt/internal/task"
	"github.com/ekisa-team/deployrt/internal/tensor"
)

const (
	Codebase = "mmcls"
	Task     = "Classification"
)

// DefaultTopK is used when codebase_config.topk is unset.
const DefaultTopK = 5

// Score is one class score.
type Score struct {
	Label int
	Score float32
}

// Result is the best class plus the top-k ranking, best first.
type Result struct {
	Label int
	Score float32
	TopK  []Score
}

// Entry registers the family.
func Entry() task.Entry {
	return task.Entry{Codebase: Codebase, Task: Task, New: newFamily}
}

type family struct {
	topK      int
	inputName string
}

func newFamily(p task.Params) (task.Family, error) {
	f := family{topK: p.DeployConfig.Codebase.TopK, inputName: "img"}
	if f.topK == 0 {
		f.topK = DefaultTopK
	}
	if f.topK < 0 {
		return nil, fmt.Errorf("topk must be positive, got %d", f.topK)
	}
	if names := p.DeployConfig.Onnx.InputNames; len(names) > 0 {
		f.inputName = names[0]
	}
	return f, nil
}

func (family) ImageKey() string { return "img" }

func (family) Inputs() []task.InputSpec {
	return []task.InputSpec{{Key: "img", Channels: 3}}
}

func (family) Outputs() []backend.TensorSpec {
	return []backend.TensorSpec{{Name: "output", DType: tensor.Float32, Shape: tensor.Shape{-1, -1}}}
}

func (family) DefaultPipeline() []config.StepConfig {
	return []config.StepConfig{
		{"type": "LoadImageFromFile"},
		{"type": "Resize", "scale": []any{256, 256}},
		{"type": "CenterCrop", "crop_size": 224},
		{"type": "Normalize", "mean": []any{123.675, 116.28, 103.53}, "std": []any{58.395, 57.12, 57.375}},
		{"type": "ImageToTensor", "keys": []any{"img"}},
		{"type": "Collect", "keys": []any{"img"}, "meta_keys": []any{"ori_shape", "img_shape"}},
	}
}

// Decode ranks the class scores. Ties keep the lower label first.
func (f family) Decode(outputs []*tensor.Tensor, _ task.Metadata) (task.Result, error) {
	scores := outputs[0].SqueezeLeading()
	if scores.Rank() != 1 || scores.Len() == 0 {
		return nil, errdefs.Inference("class scores must be (K) or (1, K), got %s", outputs[0])
	}

	values := scores.Float32s()
	ranked := make([]Score, len(values))
	for i, v := range values {
		ranked[i] = Score{Label: i, Score: v}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })

	top := ranked[:min(f.topK, len(ranked))]
	return Result{Label: top[0].Label, Score: top[0].Score, TopK: append([]Score(nil), top...)}, nil
}

// Render draws a bar across the top whose length is the top-1 score,
// colored by label.
func (family) Render(src image.Image, result task.Result) (image.Image, error) {
	r, ok := result.(Result)
	if !ok {
		return nil, fmt.Errorf("unexpected result %T", result)
	}
	canvas := task.Canvas(src)
	b := canvas.Bounds()
	score := min(max(float64(r.Score), 0), 1)
	barH := max(2, b.Dy()/16)
	task.FillRect(canvas, image.Rect(0, 0, int(float64(b.Dx())*score), barH), task.LabelColor(r.Label))
	return canvas, nil
}

func (family) NewMetric() eval.Metric {
	return &metric{}
}

func (f family) TensorAdapter() (task.TensorAdapter, error) {
	name := f.inputName
	return func(inputs *tensor.Map) (*tensor.Tensor, error) {
		t, ok := inputs.Get(name)
		if !ok {
			return nil, errdefs.Input("inputs have no %q (have %v)", name, inputs.Names())
		}
		return t, nil
	}, nil
}

func (family) PartitionConfig() (*config.PartitionConfig, error) {
	return nil, errdefs.NotSupported(Codebase+"/"+Task, "partition")
}

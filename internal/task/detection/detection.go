// Package detection is the mmdet/ObjectDetection task family: one image in,
// scored and labelled boxes out.
package detection

import (
	"fmt"
	"image"
	"math"
	"sort"

	"github.com/ekisa-team/deployrt/internal/backend"
	"github.com/ekisa-team/deployrt/internal/config"
	"github.com/ekisa-team/deployrt/internal/dataset"
	"github.com/ekisa-team/deployrt/internal/errdefs"
	"github.com/ekisa-team/deployrt/internal/eval"
	"github.com/ekisa-team/deployrt/internal/task"
	"github.com/ekisa-team/deployrt/internal/tensor"
)

const (
	Codebase = "mmdet"
	Task     = "ObjectDetection"
)

// Post-processing defaults, overridable through
// codebase_config.post_processing.
const (
	DefaultScoreThreshold = 0.05
	DefaultMaxBoxes       = 100
)

// partitionTypes are the partition schemes detection models can be split by.
var partitionTypes = map[string]bool{"single_stage": true, "two_stage": true}

// Detection is one predicted box in original image coordinates.
type Detection struct {
	dataset.Box
	Score float32
}

// Result holds the detections, best first.
type Result struct {
	Detections []Detection
}

// Entry registers the family.
func Entry() task.Entry {
	return task.Entry{Codebase: Codebase, Task: Task, New: newFamily}
}

type family struct {
	scoreThreshold float64
	maxBoxes       int
	inputName      string
	partition      *config.PartitionConfig
}

func newFamily(p task.Params) (task.Family, error) {
	cfg := p.DeployConfig
	f := family{
		scoreThreshold: cfg.PostProcessingFloat("score_threshold", DefaultScoreThreshold),
		maxBoxes:       cfg.PostProcessingInt("max_output_boxes_per_img", DefaultMaxBoxes),
		inputName:      "img",
	}
	if f.maxBoxes <= 0 {
		return nil, fmt.Errorf("max_output_boxes_per_img must be positive, got %d", f.maxBoxes)
	}
	if names := cfg.Onnx.InputNames; len(names) > 0 {
		f.inputName = names[0]
	}
	if cfg.Partition != nil {
		if !partitionTypes[cfg.Partition.Type] {
			return nil, fmt.Errorf("unknown partition type %q", cfg.Partition.Type)
		}
		pc := *cfg.Partition
		f.partition = &pc
	}
	return f, nil
}

func (family) ImageKey() string { return "img" }

func (family) Inputs() []task.InputSpec {
	return []task.InputSpec{{Key: "img", Channels: 3}}
}

func (family) Outputs() []backend.TensorSpec {
	return []backend.TensorSpec{
		{Name: "dets", DType: tensor.Float32, Shape: tensor.Shape{-1, -1, 5}},
		{Name: "labels", DType: tensor.Int64, Shape: tensor.Shape{-1, -1}},
	}
}

func (family) DefaultPipeline() []config.StepConfig {
	return []config.StepConfig{
		{"type": "LoadImageFromFile"},
		{"type": "Resize", "scale": []any{1333, 800}, "keep_ratio": true},
		{"type": "Normalize", "mean": []any{123.675, 116.28, 103.53}, "std": []any{58.395, 57.12, 57.375}},
		{"type": "Pad", "size_divisor": 32},
		{"type": "ImageToTensor"},
		{"type": "Collect", "keys": []any{"img"}, "meta_keys": []any{"ori_shape", "img_shape", "pad_shape", "scale_factor"}},
	}
}

// Decode filters dets (N, 5) [x1, y1, x2, y2, score] by score, keeps the
// best max_output_boxes_per_img and maps boxes back through scale_factor.
func (f family) Decode(outputs []*tensor.Tensor, meta task.Metadata) (task.Result, error) {
	if len(outputs) < 2 {
		return nil, errdefs.Inference("detection needs dets and labels outputs")
	}
	dets, labels := squeezeTo(outputs[0], 2), squeezeTo(outputs[1], 1)
	if dets.Rank() != 2 || dets.Shape()[1] != 5 {
		return nil, errdefs.Inference("dets must be (N, 5), got %s", outputs[0])
	}
	n := int(dets.Shape()[0])
	if labels.Rank() != 1 || labels.Len() != n {
		return nil, errdefs.Inference("labels %s do not match dets %s", outputs[1], outputs[0])
	}

	fx, fy := 1.0, 1.0
	if sf, ok := meta["scale_factor"].([]float64); ok && len(sf) == 2 && sf[0] > 0 && sf[1] > 0 {
		fx, fy = sf[0], sf[1]
	}
	maxX, maxY := math.Inf(1), math.Inf(1)
	if shape, ok := meta["ori_shape"].(tensor.Shape); ok && len(shape) >= 2 {
		maxY, maxX = float64(shape[0]), float64(shape[1])
	}

	values, ls := dets.Float32s(), labels.Int64s()
	out := make([]Detection, 0, n)
	for i := 0; i < n; i++ {
		row := values[i*5 : i*5+5]
		if float64(row[4]) < f.scoreThreshold {
			continue
		}
		out = append(out, Detection{
			Box: dataset.Box{
				X1:    clamp(float64(row[0])/fx, maxX),
				Y1:    clamp(float64(row[1])/fy, maxY),
				X2:    clamp(float64(row[2])/fx, maxX),
				Y2:    clamp(float64(row[3])/fy, maxY),
				Label: int(ls[i]),
			},
			Score: row[4],
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > f.maxBoxes {
		out = out[:f.maxBoxes]
	}
	return Result{Detections: out}, nil
}

// squeezeTo drops leading axes of size 1 until t has the given rank.
func squeezeTo(t *tensor.Tensor, rank int) *tensor.Tensor {
	for t.Rank() > rank {
		s := t.SqueezeLeading()
		if s == t {
			break
		}
		t = s
	}
	return t
}

func clamp(v, hi float64) float64 {
	return math.Max(0, math.Min(v, hi))
}

// Render outlines every detection in its label color.
func (family) Render(src image.Image, result task.Result) (image.Image, error) {
	r, ok := result.(Result)
	if !ok {
		return nil, fmt.Errorf("unexpected result %T", result)
	}
	canvas := task.Canvas(src)
	thickness := max(1, min(canvas.Bounds().Dx(), canvas.Bounds().Dy())/100)
	for _, d := range r.Detections {
		rect := image.Rect(int(d.X1), int(d.Y1), int(math.Ceil(d.X2)), int(math.Ceil(d.Y2)))
		task.StrokeRect(canvas, rect, thickness, task.LabelColor(d.Label))
	}
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

// PartitionConfig returns the configured partition. Without a
// partition_config block the capability is reported as unsupported.
func (f family) PartitionConfig() (*config.PartitionConfig, error) {
	if f.partition == nil {
		return nil, errdefs.NotSupported(Codebase+"/"+Task, "partition without partition_config")
	}
	pc := *f.partition
	return &pc, nil
}

// Package eval drives a dataset through a task processor batch by batch and
// aggregates per-sample results and metrics.
package eval

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/ekisa-team/deployrt/internal/backend"
	"github.com/ekisa-team/deployrt/internal/dataset"
	"github.com/ekisa-team/deployrt/internal/errdefs"
	"github.com/ekisa-team/deployrt/internal/tensor"
)

// Metadata is the side information BuildInput produces for DecodeOutput,
// such as the original image shape and resize factors.
type Metadata map[string]any

// Result is a decoded, task-specific prediction.
type Result any

// Runner is the part of a task processor the harness drives.
type Runner interface {
	BuildInput(raw any, hints map[string]any) (*tensor.Map, Metadata, error)
	RunInference(ctx context.Context, h backend.Handle, inputs *tensor.Map) (*tensor.Map, error)
	DecodeOutput(raw *tensor.Map, meta Metadata) (Result, error)
	Visualize(ctx context.Context, h backend.Handle, raw any, result Result, outputPath, backendName string) error
	NewMetric() Metric
}

// Metric accumulates results against ground truth.
type Metric interface {
	Add(result Result, sample dataset.Sample) error
	// Finalize returns the summary. It is called once, after the last Add.
	Finalize() map[string]float64
}

// Options tunes one evaluation pass.
type Options struct {
	// ShowDir receives a rendering of every ShowInterval-th sample.
	ShowDir      string
	ShowInterval int
	// BackendName is passed through to Visualize.
	BackendName string
	// Hints are forwarded to BuildInput.
	Hints map[string]any
}

// SampleResult is the decoded prediction for one dataset sample.
type SampleResult struct {
	Index  int
	Raw    string
	Result Result
}

// Batch is the finalized outcome of one pass: per-sample results in dataset
// order plus the metric summary.
type Batch struct {
	Results []SampleResult
	Metrics map[string]float64
}

// Run evaluates every batch of loader in order. Inference runs strictly
// sequentially against h; loader workers only prefetch.
func Run(ctx context.Context, r Runner, h backend.Handle, loader *dataset.Loader, opts Options) (*Batch, error) {
	metric := r.NewMetric()
	out := &Batch{}

	it := loader.Iter(ctx)
	defer it.Close()

	for it.Next() {
		b := it.Value()
		results, err := runBatch(ctx, r, h, b, opts.Hints)
		if err != nil {
			return nil, fmt.Errorf("batch %d: %w", b.Index, err)
		}

		for i, s := range b.Samples {
			if err := metric.Add(results[i], s); err != nil {
				return nil, fmt.Errorf("sample %d: %w", s.Index, err)
			}
			out.Results = append(out.Results, SampleResult{Index: s.Index, Raw: s.Raw, Result: results[i]})

			if shouldShow(opts, s.Index) {
				path := showPath(opts.ShowDir, s)
				if err := r.Visualize(ctx, h, s.Raw, results[i], path, opts.BackendName); err != nil {
					return nil, fmt.Errorf("sample %d: %w", s.Index, err)
				}
			}
		}
		slog.Debug("Batch evaluated", "batch", b.Index, "samples", len(b.Samples))
	}
	if err := it.Err(); err != nil {
		return nil, err
	}

	out.Metrics = metric.Finalize()
	slog.Info("Evaluation finished", "samples", len(out.Results), "metrics", out.Metrics)
	return out, nil
}

func runBatch(ctx context.Context, r Runner, h backend.Handle, b dataset.Batch, hints map[string]any) ([]Result, error) {
	n := len(b.Samples)
	inputs := make([]*tensor.Map, n)
	metas := make([]Metadata, n)
	for i, s := range b.Samples {
		var raw any = s.Raw
		if s.Data != nil {
			raw = s.Data
		}
		in, meta, err := r.BuildInput(raw, hints)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", s.Index, err)
		}
		inputs[i], metas[i] = in, meta
	}

	batched, err := stack(inputs)
	if err != nil {
		return nil, err
	}

	raw, err := r.RunInference(ctx, h, batched)
	if err != nil {
		return nil, err
	}

	outputs := []*tensor.Map{raw}
	if n > 1 {
		if outputs, err = tensor.SplitMap(raw, n); err != nil {
			return nil, errdefs.Inference("split batch outputs: %v", err)
		}
	}

	results := make([]Result, n)
	for i := range outputs {
		if results[i], err = r.DecodeOutput(outputs[i], metas[i]); err != nil {
			return nil, fmt.Errorf("sample %d: %w", b.Samples[i].Index, err)
		}
	}
	return results, nil
}

// stack joins per-sample inputs, each carrying a leading batch axis of 1,
// into one batch. Images of different sizes are zero-padded at the bottom
// and right to the largest height and width in the batch.
func stack(inputs []*tensor.Map) (*tensor.Map, error) {
	if len(inputs) == 1 {
		return inputs[0], nil
	}
	squeezed := make([]*tensor.Map, len(inputs))
	for i, in := range inputs {
		m := tensor.NewMap()
		for _, name := range in.Names() {
			t, _ := in.Get(name)
			m.Set(name, t.SqueezeLeading())
		}
		squeezed[i] = m
	}
	for _, name := range squeezed[0].Names() {
		if err := padSpatial(squeezed, name); err != nil {
			return nil, errdefs.Input("stack batch inputs: %v", err)
		}
	}
	batched, err := tensor.StackMaps(squeezed)
	if err != nil {
		return nil, errdefs.Input("stack batch inputs: %v", err)
	}
	return batched, nil
}

// padSpatial pads the name tensors of ms to a common (..., H, W). Tensors
// whose leading dims disagree are left for StackMaps to reject.
func padSpatial(ms []*tensor.Map, name string) error {
	var target tensor.Shape
	for _, m := range ms {
		t, ok := m.Get(name)
		if !ok || t.Rank() < 2 {
			return nil
		}
		shape := t.Shape()
		if target == nil {
			target = shape
			continue
		}
		r := len(shape)
		if r != len(target) || !shape[:r-2].Equal(target[:r-2]) {
			return nil
		}
		target[r-2] = max(target[r-2], shape[r-2])
		target[r-1] = max(target[r-1], shape[r-1])
	}
	for _, m := range ms {
		t, _ := m.Get(name)
		padded, err := t.PadTo(target)
		if err != nil {
			return err
		}
		m.Set(name, padded)
	}
	return nil
}

func shouldShow(opts Options, index int) bool {
	return opts.ShowDir != "" && opts.ShowInterval > 0 && index%opts.ShowInterval == 0
}

func showPath(dir string, s dataset.Sample) string {
	base := strings.TrimSuffix(filepath.Base(s.Raw), filepath.Ext(s.Raw))
	if base == "" || base == "." {
		base = "sample"
	}
	return filepath.Join(dir, fmt.Sprintf("%06d_%s.jpg", s.Index, base))
}

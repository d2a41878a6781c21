package task

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"path/filepath"

	"github.com/ekisa-team/deployrt/internal/backend"
	"github.com/ekisa-team/deployrt/internal/config"
	"github.com/ekisa-team/deployrt/internal/dataset"
	"github.com/ekisa-team/deployrt/internal/errdefs"
	"github.com/ekisa-team/deployrt/internal/eval"
	"github.com/ekisa-team/deployrt/internal/pipeline"
	"github.com/ekisa-team/deployrt/internal/storage"
	"github.com/ekisa-team/deployrt/internal/tensor"
	"github.com/ekisa-team/deployrt/mapsafe"
)

// metaKeys are copied from the pipeline results into Metadata when a
// pipeline does not collect them itself.
var metaKeys = []string{"ori_shape", "img_shape", "pad_shape", "scale_factor", "img_norm_cfg", "mask_bbox"}

type processor struct {
	codebase string
	task     string
	family   Family

	modelCfg  *config.ModelConfig
	deployCfg *config.DeployConfig
	device    backend.Device

	backends *backend.Registry
	fetcher  *storage.Fetcher
	exporter Exporter
	workDir  string

	sig      backend.Signature
	steps    []config.StepConfig
	pipeline *pipeline.Pipeline
	// tail converts HWC input tensors left by a dataset pipeline to CHW.
	tail *pipeline.Pipeline
}

func newProcessor(e Entry, fam Family, backends *backend.Registry, params Params, o options) (*processor, error) {
	p := &processor{
		codebase:  e.Codebase,
		task:      e.Task,
		family:    fam,
		modelCfg:  params.ModelConfig,
		deployCfg: params.DeployConfig,
		device:    params.Device,
		backends:  backends,
		fetcher:   o.fetcher,
		exporter:  o.exporter,
		workDir:   o.workDir,
	}

	sig, err := signatureFor(fam, params.DeployConfig.IOContract())
	if err != nil {
		return nil, err
	}
	p.sig = sig

	p.steps = params.ModelConfig.TestPipeline
	if len(p.steps) == 0 {
		p.steps = fam.DefaultPipeline()
	}
	if p.pipeline, err = buildPipeline(p.steps, params.DeployConfig.Onnx.InputShape); err != nil {
		return nil, err
	}
	keys := make([]any, 0, len(fam.Inputs()))
	for _, in := range fam.Inputs() {
		keys = append(keys, in.Key)
	}
	if p.tail, err = pipeline.Build([]config.StepConfig{{"type": "ImageToTensor", "keys": keys}}, pipeline.Options{}); err != nil {
		return nil, err
	}
	return p, nil
}

// signatureFor pairs the family inputs with the io contract names by
// position. A fixed input_shape (width, height) pins the spatial dims.
func signatureFor(fam Family, contract config.IOContract) (backend.Signature, error) {
	inputs := fam.Inputs()
	names := contract.InputNames
	if len(names) == 0 {
		for _, in := range inputs {
			names = append(names, in.Key)
		}
	}
	if len(names) != len(inputs) {
		return backend.Signature{}, errdefs.Configuration("io contract declares %d inputs %v, the task takes %d", len(names), names, len(inputs))
	}

	h, w := int64(-1), int64(-1)
	switch len(contract.InputShape) {
	case 0:
	case 2:
		w, h = contract.InputShape[0], contract.InputShape[1]
	default:
		return backend.Signature{}, errdefs.Configuration("input_shape must be [width, height], got %v", contract.InputShape)
	}

	var sig backend.Signature
	for i, in := range inputs {
		sig.Inputs = append(sig.Inputs, backend.TensorSpec{
			Name:  names[i],
			DType: tensor.Float32,
			Shape: tensor.Shape{-1, in.Channels, h, w},
		})
	}
	outputs := fam.Outputs()
	for i, name := range contract.OutputNames {
		if i < len(outputs) {
			outputs[i].Name = name
			continue
		}
		outputs = append(outputs, backend.TensorSpec{Name: name})
	}
	sig.Outputs = outputs
	return sig, nil
}

// buildPipeline compiles steps, forcing every Resize to inputShape when one
// is given.
func buildPipeline(steps []config.StepConfig, inputShape []int64) (*pipeline.Pipeline, error) {
	if len(inputShape) == 2 {
		forced := make([]config.StepConfig, len(steps))
		for i, s := range steps {
			if s.Type() != "Resize" {
				forced[i] = s
				continue
			}
			c := config.StepConfig{}
			for k, v := range s {
				c[k] = v
			}
			c["scale"] = []any{int(inputShape[0]), int(inputShape[1])}
			c["keep_ratio"] = false
			forced[i] = c
		}
		steps = forced
	}
	return pipeline.Build(steps, pipeline.Options{})
}

func (p *processor) Codebase() string { return p.codebase }

func (p *processor) Task() string { return p.task }

func (p *processor) Signature() backend.Signature { return p.sig }

func (p *processor) String() string {
	return p.codebase + "/" + p.task
}

func (p *processor) InitReferenceModel(ctx context.Context, checkpoint string) (*ReferenceModel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if checkpoint != "" {
		local, err := p.fetcher.Localize(ctx, checkpoint)
		if err != nil {
			return nil, errdefs.ModelLoad("checkpoint %s: %v", checkpoint, err)
		}
		checkpoint = local
	}
	return LoadReferenceModel(p.codebase, p.task, p.modelCfg.Model, checkpoint)
}

func (p *processor) ExportArtifact(ctx context.Context, model *ReferenceModel, deployCfg *config.DeployConfig) (*backend.Artifact, error) {
	if p.exporter == nil {
		return nil, errdefs.Ensure(errdefs.ErrExport, ErrNoExporter)
	}
	if model == nil {
		return nil, errdefs.Export("reference model is required")
	}
	if deployCfg == nil {
		deployCfg = p.deployCfg
	}
	sig, err := signatureFor(p.family, deployCfg.IOContract())
	if err != nil {
		return nil, errdefs.Ensure(errdefs.ErrExport, err)
	}

	workDir := p.workDir
	if workDir == "" {
		workDir = filepath.Join(".", "work_dirs", p.codebase+"_"+p.task)
	}
	paths, err := p.exporter.Export(ctx, ExportRequest{Model: model, Deploy: deployCfg, WorkDir: workDir})
	if err != nil {
		return nil, errdefs.Ensure(errdefs.ErrExport, err)
	}

	slog.Info("Model exported", "task", p.String(), "backend", deployCfg.Backend.Type, "artifacts", paths)
	return &backend.Artifact{
		Backend:   backend.Kind(deployCfg.Backend.Type),
		Paths:     paths,
		Signature: sig,
	}, nil
}

func (p *processor) LoadBackend(ctx context.Context, paths []string, device backend.Device) (backend.Handle, error) {
	local, err := p.fetcher.LocalizeAll(ctx, paths)
	if err != nil {
		return nil, errdefs.BackendLoad("localize artifacts: %v", err)
	}
	artifact := &backend.Artifact{
		Backend:   backend.Kind(p.deployCfg.Backend.Type),
		Paths:     local,
		Signature: p.sig,
	}
	return p.backends.Load(ctx, p.deployCfg.Backend, artifact, device)
}

func (p *processor) BuildInput(raw any, hints map[string]any) (*tensor.Map, Metadata, error) {
	results, ready, err := p.toResults(raw)
	if err != nil {
		return nil, nil, err
	}

	if !ready {
		pl := p.pipeline
		if shape, ok := mapsafe.Ints(hints, "input_shape"); ok {
			if len(shape) != 2 {
				return nil, nil, errdefs.Input("input_shape hint must be [width, height], got %v", shape)
			}
			if pl, err = buildPipeline(p.steps, []int64{int64(shape[0]), int64(shape[1])}); err != nil {
				return nil, nil, errdefs.Ensure(errdefs.ErrInput, err)
			}
		}
		if results, err = pl.Run(results); err != nil {
			return nil, nil, errdefs.Ensure(errdefs.ErrInput, err)
		}
	}

	inputs := tensor.NewMap()
	for i, in := range p.family.Inputs() {
		spec := p.sig.Inputs[i]
		t, err := results.Tensor(in.Key)
		if err != nil {
			return nil, nil, err
		}
		batched, err := withBatchAxis(t)
		if err != nil {
			return nil, nil, errdefs.Input("%s: %v", in.Key, err)
		}
		if !spec.Accepts(batched) {
			return nil, nil, errdefs.Input("%s is %s, io contract expects %s%s", in.Key, batched, spec.DType, spec.Shape)
		}
		inputs.Set(spec.Name, batched)
	}
	return inputs, metadataOf(results), nil
}

// toResults normalizes raw input. ready reports that raw already went
// through a pipeline and carries every input tensor in a layout the io
// contract accepts. Inputs left in HWC are converted first; anything else
// goes through the full test pipeline.
func (p *processor) toResults(raw any) (results pipeline.Results, ready bool, err error) {
	key := p.family.ImageKey()
	switch v := raw.(type) {
	case pipeline.Results:
		if p.accepts(v) {
			return v, true, nil
		}
		if chw, err := p.tail.Run(v); err == nil && p.accepts(chw) {
			return chw, true, nil
		}
		return v, false, nil
	case string:
		if v == "" {
			return nil, false, errdefs.Input("empty image path")
		}
		return pipeline.Results{pipeline.PathKey(key): v}, false, nil
	case *tensor.Tensor:
		if v == nil || (v.Rank() != 2 && v.Rank() != 3) {
			return nil, false, errdefs.Input("raw tensor must be (H, W) or (H, W, C), got %v", v)
		}
		return pipeline.Results{key: v}, false, nil
	case image.Image:
		return pipeline.Results{key: tensor.FromImage(v)}, false, nil
	case nil:
		return nil, false, errdefs.Input("no input")
	default:
		return nil, false, errdefs.Input("unsupported input type %T", raw)
	}
}

func (p *processor) accepts(r pipeline.Results) bool {
	for i, in := range p.family.Inputs() {
		t, ok := r[in.Key].(*tensor.Tensor)
		if !ok {
			return false
		}
		batched, err := withBatchAxis(t)
		if err != nil || !p.sig.Inputs[i].Accepts(batched) {
			return false
		}
	}
	return true
}

// withBatchAxis turns (C, H, W) into float32 (1, C, H, W).
func withBatchAxis(t *tensor.Tensor) (*tensor.Tensor, error) {
	shape := t.Shape()
	switch {
	case len(shape) == 3:
		shape = append(tensor.Shape{1}, shape...)
	case len(shape) == 4 && shape[0] == 1:
	default:
		return nil, fmt.Errorf("expected a (C, H, W) tensor, got %s", t)
	}
	b, err := t.Reshape(shape)
	if err != nil {
		return nil, err
	}
	return b.Cast(tensor.Float32)
}

func metadataOf(r pipeline.Results) Metadata {
	meta := Metadata{}
	for _, k := range metaKeys {
		if v, ok := r[k]; ok {
			meta[k] = v
		}
	}
	if collected, ok := r[pipeline.MetaKey].(map[string]any); ok {
		for k, v := range collected {
			meta[k] = v
		}
	}
	return meta
}

func (p *processor) RunInference(ctx context.Context, h backend.Handle, inputs *tensor.Map) (*tensor.Map, error) {
	if h == nil {
		return nil, errdefs.Inference("no backend handle")
	}
	return h.Infer(ctx, inputs)
}

func (p *processor) DecodeOutput(raw *tensor.Map, meta Metadata) (Result, error) {
	if raw == nil {
		return nil, errdefs.Inference("no outputs to decode")
	}
	outputs := make([]*tensor.Tensor, len(p.sig.Outputs))
	for i, spec := range p.sig.Outputs {
		t, ok := raw.Get(spec.Name)
		if !ok {
			return nil, errdefs.Inference("output %q missing (have %v)", spec.Name, raw.Names())
		}
		outputs[i] = t
	}
	return p.family.Decode(outputs, meta)
}

func (p *processor) Visualize(ctx context.Context, h backend.Handle, raw any, result Result, outputPath, backendName string) error {
	if outputPath == "" {
		return errdefs.Visualization("output path is required")
	}

	if result == nil {
		if h == nil {
			return errdefs.Visualization("nothing to render: no result and no handle")
		}
		inputs, meta, err := p.BuildInput(raw, nil)
		if err != nil {
			return errdefs.Ensure(errdefs.ErrVisualization, err)
		}
		outputs, err := p.RunInference(ctx, h, inputs)
		if err != nil {
			return errdefs.Ensure(errdefs.ErrVisualization, err)
		}
		if result, err = p.DecodeOutput(outputs, meta); err != nil {
			return errdefs.Ensure(errdefs.ErrVisualization, err)
		}
	}

	src, err := p.sourceImage(raw)
	if err != nil {
		return errdefs.Visualization("source image: %v", err)
	}
	img, err := p.family.Render(src, result)
	if err != nil {
		return errdefs.Ensure(errdefs.ErrVisualization, err)
	}
	if err := pipeline.WriteImage(outputPath, img); err != nil {
		return errdefs.Visualization("write %s: %v", outputPath, err)
	}

	slog.Debug("Visualization written", "task", p.String(), "backend", backendName, "path", outputPath)
	return nil
}

func (p *processor) sourceImage(raw any) (image.Image, error) {
	switch v := raw.(type) {
	case string:
		return pipeline.ReadImage(v)
	case *tensor.Tensor:
		if v == nil {
			return nil, fmt.Errorf("nil tensor")
		}
		return tensor.ToImage(v)
	case image.Image:
		return v, nil
	case pipeline.Results:
		if path, ok := v[pipeline.PathKey(p.family.ImageKey())].(string); ok {
			return pipeline.ReadImage(path)
		}
		if t, ok := v[p.family.ImageKey()].(*tensor.Tensor); ok {
			return tensor.ToImage(t)
		}
		return nil, fmt.Errorf("results carry no %q image", p.family.ImageKey())
	default:
		return nil, fmt.Errorf("unsupported input type %T", raw)
	}
}

func (p *processor) TensorAdapter() (TensorAdapter, error) {
	return p.family.TensorAdapter()
}

func (p *processor) PartitionConfig() (*config.PartitionConfig, error) {
	return p.family.PartitionConfig()
}

func (p *processor) BuildDataset(ctx context.Context, modelCfg *config.ModelConfig, split string) (dataset.Dataset, error) {
	if modelCfg == nil {
		modelCfg = p.modelCfg
	}
	cfg, ok := modelCfg.Split(split)
	if !ok {
		return nil, errdefs.Dataset("model config has no %q split", split)
	}
	return dataset.Build(ctx, cfg, p.fetcher)
}

// BuildDataloader falls back to data.samples_per_gpu and
// data.workers_per_gpu when batchSize or workers is zero.
func (p *processor) BuildDataloader(ds dataset.Dataset, batchSize, workers int) (*dataset.Loader, error) {
	if batchSize == 0 {
		batchSize = max(1, p.modelCfg.Data.SamplesPerGPU)
	}
	if workers == 0 {
		workers = max(1, p.modelCfg.Data.WorkersPerGPU)
	}
	return dataset.NewLoader(ds, batchSize, workers)
}

func (p *processor) Evaluate(ctx context.Context, h backend.Handle, loader *dataset.Loader, opts eval.Options) (*eval.Batch, error) {
	if opts.BackendName == "" {
		opts.BackendName = p.deployCfg.Backend.Type
	}
	return eval.Run(ctx, p, h, loader, opts)
}

func (p *processor) NewMetric() eval.Metric {
	return p.family.NewMetric()
}

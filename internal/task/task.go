// Package task defines the Task Processor contract, the processor registry
// and the pieces every task family shares: reference model loading, export
// through an external tool, input construction and visualization.
//
// A family (inpainting, classification, detection) plugs in by implementing
// Family; the registry pairs it with the processor that drives it.
package task

import (
	"context"
	"image"

	"github.com/ekisa-team/deployrt/internal/backend"
	"github.com/ekisa-team/deployrt/internal/config"
	"github.com/ekisa-team/deployrt/internal/dataset"
	"github.com/ekisa-team/deployrt/internal/eval"
	"github.com/ekisa-team/deployrt/internal/tensor"
)

// Metadata is what BuildInput records for DecodeOutput.
type Metadata = eval.Metadata

// Result is a decoded, family-specific prediction.
type Result = eval.Result

// TensorAdapter extracts the image tensor from a built input map.
type TensorAdapter func(inputs *tensor.Map) (*tensor.Tensor, error)

// Processor is the uniform execution path for one (codebase, task) pair.
type Processor interface {
	Codebase() string
	Task() string

	// Signature is the tensor interface artifacts of this processor expose.
	Signature() backend.Signature

	InitReferenceModel(ctx context.Context, checkpoint string) (*ReferenceModel, error)
	ExportArtifact(ctx context.Context, model *ReferenceModel, deployCfg *config.DeployConfig) (*backend.Artifact, error)
	LoadBackend(ctx context.Context, paths []string, device backend.Device) (backend.Handle, error)

	// BuildInput turns raw input into named tensors. It is pure: the same
	// raw input always yields bit-identical tensors.
	BuildInput(raw any, hints map[string]any) (*tensor.Map, Metadata, error)
	RunInference(ctx context.Context, h backend.Handle, inputs *tensor.Map) (*tensor.Map, error)
	DecodeOutput(raw *tensor.Map, meta Metadata) (Result, error)
	Visualize(ctx context.Context, h backend.Handle, raw any, result Result, outputPath, backendName string) error

	// TensorAdapter and PartitionConfig are optional capabilities. Families
	// without them return errdefs.ErrNotSupported.
	TensorAdapter() (TensorAdapter, error)
	PartitionConfig() (*config.PartitionConfig, error)

	BuildDataset(ctx context.Context, modelCfg *config.ModelConfig, split string) (dataset.Dataset, error)
	BuildDataloader(ds dataset.Dataset, batchSize, workers int) (*dataset.Loader, error)
	Evaluate(ctx context.Context, h backend.Handle, loader *dataset.Loader, opts eval.Options) (*eval.Batch, error)
	NewMetric() eval.Metric
}

// InputSpec declares one engine input of a family. Key is the results key
// the input pipeline leaves the tensor under; the engine-side name comes from
// the io contract at the same position.
type InputSpec struct {
	Key      string
	Channels int64
}

// Family is the per-task behaviour a processor delegates to.
type Family interface {
	// ImageKey is the results key raw images are loaded into.
	ImageKey() string
	Inputs() []InputSpec
	// Outputs declares the engine outputs in order. The io contract may
	// rename them by position.
	Outputs() []backend.TensorSpec
	// DefaultPipeline is used when the model config has no test_pipeline.
	DefaultPipeline() []config.StepConfig

	Decode(outputs []*tensor.Tensor, meta Metadata) (Result, error)
	// Render draws result over the source image.
	Render(src image.Image, result Result) (image.Image, error)
	NewMetric() eval.Metric

	TensorAdapter() (TensorAdapter, error)
	PartitionConfig() (*config.PartitionConfig, error)
}

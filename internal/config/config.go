package config

import (
	"time"

	"github.com/ekisa-team/deployrt/mapsafe"
)

// DeployConfig is the declarative deployment description. It is decoded once
// at startup and treated as read-only afterwards.
type DeployConfig struct {
	Backend   BackendConfig    `json:"backend_config"             yaml:"backend_config"`
	Codebase  CodebaseConfig   `json:"codebase_config"            yaml:"codebase_config"`
	Onnx      OnnxConfig       `json:"onnx_config"                yaml:"onnx_config"`
	Partition *PartitionConfig `json:"partition_config,omitempty" yaml:"partition_config,omitempty"`
}

// BackendConfig selects the inference engine and carries its options.
type BackendConfig struct {
	Type   string        `json:"type"                    yaml:"type"`
	Runner RunnerConfig  `json:"runner,omitempty"        yaml:"runner,omitempty"`
	Common CommonConfig  `json:"common_config,omitempty" yaml:"common_config,omitempty"`
	Server *ServerConfig `json:"server,omitempty"        yaml:"server,omitempty"`
}

// RunnerConfig points at the external binary that drives a native engine.
type RunnerConfig struct {
	BinPath string        `json:"bin_path,omitempty" yaml:"bin_path,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"  yaml:"timeout,omitempty"`
	Args    []string      `json:"args,omitempty"     yaml:"args,omitempty"`
}

// CommonConfig holds engine build options shared by compiled backends.
type CommonConfig struct {
	FP16Mode         bool  `json:"fp16_mode,omitempty"          yaml:"fp16_mode,omitempty"`
	MaxWorkspaceSize int64 `json:"max_workspace_size,omitempty" yaml:"max_workspace_size,omitempty"`
}

// ServerConfig describes a remote engine server, optionally launched locally.
type ServerConfig struct {
	Address      string            `json:"address"                 yaml:"address"`
	BinPath      string            `json:"bin_path,omitempty"      yaml:"bin_path,omitempty"`
	Args         []string          `json:"args,omitempty"          yaml:"args,omitempty"`
	Env          map[string]string `json:"env,omitempty"           yaml:"env,omitempty"`
	Port         int               `json:"port,omitempty"          yaml:"port,omitempty"`
	HealthPath   string            `json:"health_path,omitempty"   yaml:"health_path,omitempty"`
	ReadyTimeout time.Duration     `json:"ready_timeout,omitempty" yaml:"ready_timeout,omitempty"`
}

// CodebaseConfig selects the task family.
type CodebaseConfig struct {
	Type           string         `json:"type"                      yaml:"type"`
	Task           string         `json:"task"                      yaml:"task"`
	TopK           int            `json:"topk,omitempty"            yaml:"topk,omitempty"`
	PostProcessing map[string]any `json:"post_processing,omitempty" yaml:"post_processing,omitempty"`
}

// OnnxConfig is the export block shared by every backend.
type OnnxConfig struct {
	Type                     string                    `json:"type,omitempty"                        yaml:"type,omitempty"`
	ExportParams             bool                      `json:"export_params,omitempty"               yaml:"export_params,omitempty"`
	KeepInitializersAsInputs bool                      `json:"keep_initializers_as_inputs,omitempty" yaml:"keep_initializers_as_inputs,omitempty"`
	OpsetVersion             int                       `json:"opset_version,omitempty"               yaml:"opset_version,omitempty"`
	SaveFile                 string                    `json:"save_file,omitempty"                   yaml:"save_file,omitempty"`
	InputShape               []int64                   `json:"input_shape,omitempty"                 yaml:"input_shape,omitempty"`
	InputNames               []string                  `json:"input_names"                           yaml:"input_names"`
	OutputNames              []string                  `json:"output_names"                          yaml:"output_names"`
	DynamicAxes              map[string]map[int]string `json:"dynamic_axes,omitempty"                yaml:"dynamic_axes,omitempty"`
}

// PartitionConfig enables model partitioning for families that support it.
type PartitionConfig struct {
	Type       string `json:"type"                  yaml:"type"`
	ApplyMarks bool   `json:"apply_marks,omitempty" yaml:"apply_marks,omitempty"`
}

// IOContract is the declared tensor interface of an exported artifact.
type IOContract struct {
	InputNames  []string
	OutputNames []string
	// InputShape is (width, height) when set.
	InputShape []int64
}

// IOContract returns the declared io contract.
func (c *DeployConfig) IOContract() IOContract {
	return IOContract{
		InputNames:  append([]string(nil), c.Onnx.InputNames...),
		OutputNames: append([]string(nil), c.Onnx.OutputNames...),
		InputShape:  append([]int64(nil), c.Onnx.InputShape...),
	}
}

// PostProcessingFloat reads a numeric post-processing parameter.
func (c *DeployConfig) PostProcessingFloat(key string, def float64) float64 {
	return mapsafe.Get(c.Codebase.PostProcessing, key, def)
}

// PostProcessingInt reads an integer post-processing parameter.
func (c *DeployConfig) PostProcessingInt(key string, def int) int {
	return mapsafe.Get(c.Codebase.PostProcessing, key, def)
}

// ModelConfig is the model description. Only the dataset and pipeline parts
// are interpreted; the rest is kept raw.
type ModelConfig struct {
	Model        map[string]any `json:"model,omitempty"         yaml:"model,omitempty"`
	Data         DataConfig     `json:"data"                    yaml:"data"`
	TestPipeline []StepConfig   `json:"test_pipeline,omitempty" yaml:"test_pipeline,omitempty"`
}

// DataConfig holds loader defaults and one dataset block per split.
type DataConfig struct {
	SamplesPerGPU int                      `json:"samples_per_gpu,omitempty" yaml:"samples_per_gpu,omitempty"`
	WorkersPerGPU int                      `json:"workers_per_gpu,omitempty" yaml:"workers_per_gpu,omitempty"`
	Splits        map[string]DatasetConfig `json:"-"                         yaml:",inline"`
}

// DatasetConfig describes one dataset split.
type DatasetConfig struct {
	Type       string       `json:"type"                  yaml:"type"`
	AnnFile    string       `json:"ann_file,omitempty"    yaml:"ann_file,omitempty"`
	DataPrefix string       `json:"data_prefix,omitempty" yaml:"data_prefix,omitempty"`
	Pipeline   []StepConfig `json:"pipeline,omitempty"    yaml:"pipeline,omitempty"`
}

// Split returns the dataset block for split.
func (m *ModelConfig) Split(split string) (DatasetConfig, bool) {
	ds, ok := m.Data.Splits[split]
	return ds, ok
}

// StepConfig is one pipeline step: a type name plus free-form parameters.
type StepConfig map[string]any

// Type returns the step type name.
func (s StepConfig) Type() string {
	return mapsafe.Get(map[string]any(s), "type", "")
}

package config

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.yaml.in/yaml/v3"

	"github.com/ekisa-team/deployrt/internal/errdefs"
	"github.com/ekisa-team/deployrt/internal/xfs"
)

//go:embed deploy.schema.json
var deploySchema string

const deploySchemaURL = "deployrt.deploy.v1.schema.json"

// LoadDeployConfig loads and validates a deploy config. An empty schemaPath
// selects the built-in schema.
func LoadDeployConfig(path, schemaPath string) (*DeployConfig, error) {
	data, err := os.ReadFile(xfs.ExpandTilde(path))
	if err != nil {
		return nil, errdefs.Configuration("failed to read deploy config: %v", err)
	}

	return ParseDeployConfig(data, schemaPath)
}

// ParseDeployConfig validates and decodes a deploy config document.
func ParseDeployConfig(data []byte, schemaPath string) (*DeployConfig, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errdefs.Configuration("invalid YAML: %v", err)
	}

	schema, err := compileSchema(schemaPath)
	if err != nil {
		return nil, err
	}

	if err := schema.Validate(raw); err != nil {
		return nil, errdefs.Configuration("deploy config validation failed: %v", err)
	}

	var cfg DeployConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errdefs.Configuration("failed to unmarshal into DeployConfig struct: %v", err)
	}

	return &cfg, nil
}

// LoadModelConfig loads a model config. The document is opaque apart from
// its data and test_pipeline sections, so it is not schema-validated.
func LoadModelConfig(path string) (*ModelConfig, error) {
	data, err := os.ReadFile(xfs.ExpandTilde(path))
	if err != nil {
		return nil, errdefs.Configuration("failed to read model config: %v", err)
	}

	return ParseModelConfig(data)
}

// ParseModelConfig decodes a model config document.
func ParseModelConfig(data []byte) (*ModelConfig, error) {
	var cfg ModelConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errdefs.Configuration("invalid model config: %v", err)
	}

	return &cfg, nil
}

func compileSchema(schemaPath string) (*jsonschema.Schema, error) {
	var (
		schema *jsonschema.Schema
		err    error
	)
	if schemaPath == "" {
		schema, err = jsonschema.CompileString(deploySchemaURL, deploySchema)
	} else {
		schema, err = jsonschema.Compile(xfs.ExpandTilde(schemaPath))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return schema, nil
}

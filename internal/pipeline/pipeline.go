// Package pipeline turns raw task input into tensors through a
// deterministic chain of transforms over a results dictionary.
package pipeline

import (
	"fmt"
	"maps"
	"sort"

	"github.com/samber/lo"

	"github.com/ekisa-team/deployrt/internal/config"
	"github.com/ekisa-team/deployrt/internal/errdefs"
	"github.com/ekisa-team/deployrt/internal/tensor"
)

// Results is the dictionary a pipeline threads through its steps. Image
// entries are *tensor.Tensor values; everything else is metadata.
type Results map[string]any

// Clone returns a shallow copy. Tensors are immutable, and steps replace
// metadata values rather than mutating them, so a shallow copy is enough.
func (r Results) Clone() Results {
	return maps.Clone(r)
}

// Tensor returns the tensor stored under key.
func (r Results) Tensor(key string) (*tensor.Tensor, error) {
	v, ok := r[key]
	if !ok {
		return nil, errdefs.Input("results have no %q (have %v)", key, r.Keys())
	}
	t, ok := v.(*tensor.Tensor)
	if !ok {
		return nil, errdefs.Input("results[%q] is %T, not a tensor", key, v)
	}
	return t, nil
}

// Keys returns the keys, sorted.
func (r Results) Keys() []string {
	keys := lo.Keys(r)
	sort.Strings(keys)
	return keys
}

// Step is one transform. Implementations must not mutate their input.
type Step interface {
	Name() string
	Transform(r Results) (Results, error)
}

// Pipeline runs steps in order.
type Pipeline struct {
	steps []Step
}

// Compose builds a pipeline from steps.
func Compose(steps ...Step) *Pipeline {
	return &Pipeline{steps: steps}
}

// Run applies every step to a clone of r.
func (p *Pipeline) Run(r Results) (Results, error) {
	out := r.Clone()
	for i, s := range p.steps {
		next, err := s.Transform(out)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, s.Name(), err)
		}
		out = next
	}
	return out, nil
}

// Steps returns the step names in order.
func (p *Pipeline) Steps() []string {
	return lo.Map(p.steps, func(s Step, _ int) string { return s.Name() })
}

// Options carries values that steps resolve relative paths against.
type Options struct {
	DataPrefix string
}

type builder func(cfg config.StepConfig, opts Options) (Step, error)

var builders = map[string]builder{
	"LoadImageFromFile": newLoadImageFromFile,
	"LoadMask":          newLoadMask,
	"Resize":            newResize,
	"CenterCrop":        newCenterCrop,
	"Pad":               newPad,
	"Normalize":         newNormalize,
	"GetMaskedImage":    newGetMaskedImage,
	"ImageToTensor":     newImageToTensor,
	"Collect":           newCollect,
}

// StepTypes returns the supported step type names, sorted.
func StepTypes() []string {
	names := lo.Keys(builders)
	sort.Strings(names)
	return names
}

// Build constructs a pipeline from configuration. Unknown step types fail
// with errdefs.ErrConfiguration.
func Build(cfgs []config.StepConfig, opts Options) (*Pipeline, error) {
	steps := make([]Step, 0, len(cfgs))
	for i, cfg := range cfgs {
		name := cfg.Type()
		b, ok := builders[name]
		if !ok {
			return nil, errdefs.Configuration("pipeline step %d: unknown type %q (supported: %v)", i, name, StepTypes())
		}
		s, err := b(cfg, opts)
		if err != nil {
			return nil, errdefs.Ensure(errdefs.ErrConfiguration, fmt.Errorf("pipeline step %d (%s): %w", i, name, err))
		}
		steps = append(steps, s)
	}
	return Compose(steps...), nil
}

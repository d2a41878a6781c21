package task

import (
	"context"
	"fmt"

	"github.com/ekisa-team/deployrt/internal/backend"
)

// Infer runs one raw input through p on h: input construction, inference
// and decoding.
func Infer(ctx context.Context, p Processor, h backend.Handle, raw any, hints map[string]any) (Result, error) {
	inputs, meta, err := p.BuildInput(raw, hints)
	if err != nil {
		return nil, err
	}
	outputs, err := p.RunInference(ctx, h, inputs)
	if err != nil {
		return nil, err
	}
	result, err := p.DecodeOutput(outputs, meta)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.Codebase()+"/"+p.Task(), err)
	}
	return result, nil
}

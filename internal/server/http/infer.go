package http

import (
	"bytes"
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/ekisa-team/deployrt/internal/errdefs"
	"github.com/ekisa-team/deployrt/internal/pipeline"
	"github.com/ekisa-team/deployrt/internal/task"
)

// Predictor runs one raw input end to end on the served engine.
type Predictor interface {
	Predict(ctx context.Context, raw any, hints map[string]any) (task.Result, error)
}

type (
	InferRequestDTO struct {
		Image      []byte `json:"image" doc:"PNG or JPEG image, base64 encoded"`
		InputShape []int  `json:"input_shape,omitempty" minItems:"2" maxItems:"2" doc:"Fixed [width, height] to resize to"`
	}

	InferResponseDTO struct {
		Result any `json:"result"`
	}
)

type (
	InferInput struct {
		Body InferRequestDTO
	}

	InferOutput struct {
		Body InferResponseDTO
	}
)

// InferHandler handles HTTP inference requests.
type InferHandler struct {
	predictor Predictor
}

// NewInferHandler registers the infer operation on api.
func NewInferHandler(api huma.API, predictor Predictor) *InferHandler {
	h := &InferHandler{predictor: predictor}

	huma.Register(api, huma.Operation{
		OperationID:   "infer",
		Method:        http.MethodPost,
		Path:          "/v1/infer",
		Summary:       "Run one image through the loaded engine",
		Tags:          []string{"inference"},
		DefaultStatus: http.StatusOK,
	}, h.handleInfer)

	return h
}

func (h *InferHandler) handleInfer(ctx context.Context, input *InferInput) (*InferOutput, error) {
	img, err := pipeline.DecodeImage(bytes.NewReader(input.Body.Image))
	if err != nil {
		return nil, huma.Error422UnprocessableEntity("invalid image", err)
	}

	var hints map[string]any
	if len(input.Body.InputShape) > 0 {
		hints = map[string]any{"input_shape": input.Body.InputShape}
	}

	result, err := h.predictor.Predict(ctx, img, hints)
	switch {
	case err == nil:
		return &InferOutput{Body: InferResponseDTO{Result: result}}, nil
	case errors.Is(err, errdefs.ErrInput):
		return nil, huma.Error422UnprocessableEntity("invalid input", err)
	case errors.Is(err, context.DeadlineExceeded):
		return nil, huma.Error504GatewayTimeout("inference timed out", err)
	default:
		return nil, huma.Error500InternalServerError("inference failed", err)
	}
}

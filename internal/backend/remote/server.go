package remote

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ekisa-team/deployrt/internal/backend"
	"github.com/ekisa-team/deployrt/internal/errdefs"
	"github.com/ekisa-team/deployrt/internal/tensor"
)

// Server exposes a loaded handle over gRPC. The handle should be guarded;
// gRPC serves requests concurrently.
type Server struct {
	handle backend.Handle
}

// NewServer creates a Server for h.
func NewServer(h backend.Handle) *Server {
	return &Server{handle: h}
}

// Infer decodes the request, runs the handle and encodes the outputs.
func (s *Server) Infer(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	inputs, err := tensor.FromStruct(req)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode inputs: %v", err)
	}

	outputs, err := s.handle.Infer(ctx, inputs)
	if err != nil {
		slog.Warn("Remote inference failed", "backend", s.handle.Kind(), "error", err)
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, status.FromContextError(err).Err()
		default:
			return nil, status.Error(codes.Internal, err.Error())
		}
	}

	resp, err := tensor.ToStruct(outputs)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode outputs: %v", err)
	}
	return resp, nil
}

// statusError converts a gRPC status into the inference taxonomy.
func statusError(err error) error {
	st := status.Convert(err)
	return errdefs.Inference("remote %s: %s", st.Code(), st.Message())
}

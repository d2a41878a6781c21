package remote

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName = "deployrt.backend.v1.Engine"
	inferMethod = "/deployrt.backend.v1.Engine/Infer"
)

// EngineServer is the server API for the Engine service. Requests and
// responses are tensor maps encoded by tensor.ToStruct.
type EngineServer interface {
	Infer(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

func inferHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EngineServer).Infer(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: inferMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(EngineServer).Infer(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// engineServiceDesc is the grpc.ServiceDesc for the Engine service.
var engineServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*EngineServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Infer",
			Handler:    inferHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "deployrt/backend/v1/engine.proto",
}

// RegisterEngineServer registers srv on s.
func RegisterEngineServer(s grpc.ServiceRegistrar, srv EngineServer) {
	s.RegisterService(&engineServiceDesc, srv)
}

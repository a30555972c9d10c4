package generation

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// GenerationServer is the server side of the generation RPC.
type GenerationServer interface {
	Generate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes the generation service without generated stubs.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "adstudio.generation.v1.GenerationService",
	HandlerType: (*GenerationServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Generate",
		Handler:    generateHandler,
	}},
	Streams:  []grpc.StreamDesc{},
	Metadata: "adstudio/generation/v1/generation.proto",
}

// RegisterGenerationServer registers srv on s.
func RegisterGenerationServer(s grpc.ServiceRegistrar, srv GenerationServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func generateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GenerationServer).Generate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: generateMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(GenerationServer).Generate(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// backendServer exposes a Backend over gRPC.
type backendServer struct {
	backend Backend
}

// NewBackendServer serves backend as a GenerationServer.
func NewBackendServer(backend Backend) GenerationServer {
	return &backendServer{backend: backend}
}

func (s *backendServer) Generate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req Request
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	res, err := s.backend.Generate(ctx, req)
	if err != nil {
		if errors.Is(err, ErrTransient) {
			return nil, status.Error(codes.Unavailable, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	out, err := toStruct(res)
	if err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("encode result: %v", err))
	}
	return out, nil
}

// Package grpc exposes a perception.Matcher over gRPC and provides the
// matching client. Messages are google.protobuf.Struct values so no
// generated stubs are required:
//
//	request:  {"expected_id": string, "timeout_ms": number}
//	response: {"outcome": "matched"|"mismatched"|"timed_out"|"cancelled", "id": string}
package grpc

import (
	"context"
	"time"

	"github.com/hania222/warehouse-fleet/internal/perception"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "fleet.perception.v1.Perception"

const attemptMatchMethod = "/" + ServiceName + "/AttemptMatch"

// PerceptionServer is the service implemented by *Server.
type PerceptionServer interface {
	AttemptMatch(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PerceptionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "AttemptMatch", Handler: attemptMatchHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fleet/perception/v1/perception.proto",
}

func attemptMatchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(PerceptionServer)
	if interceptor == nil {
		return s.AttemptMatch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: attemptMatchMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return s.AttemptMatch(ctx, req.(*structpb.Struct))
	})
}

// Register adds srv to gs.
func Register(gs *grpc.Server, srv PerceptionServer) {
	gs.RegisterService(&serviceDesc, srv)
}

// Server wraps a perception.Matcher and exposes it via gRPC.
type Server struct {
	Matcher perception.Matcher
}

// AttemptMatch decodes the request, runs one match attempt and encodes the result.
func (s *Server) AttemptMatch(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.Matcher == nil {
		return nil, status.Error(codes.Internal, "matcher not set")
	}
	fields := req.GetFields()
	expected := fields["expected_id"].GetStringValue()
	if expected == "" {
		return nil, status.Error(codes.InvalidArgument, "expected_id required")
	}
	timeout := time.Duration(fields["timeout_ms"].GetNumberValue()) * time.Millisecond
	res, err := s.Matcher.AttemptMatch(ctx, expected, timeout)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out, err := structpb.NewStruct(map[string]any{
		"outcome": string(res.Outcome),
		"id":      res.ID,
	})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

var _ PerceptionServer = (*Server)(nil)

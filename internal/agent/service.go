package agent

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const serviceName = "vaultsync.agent.v1.Control"

const (
	methodStatus           = "/" + serviceName + "/Status"
	methodSync             = "/" + serviceName + "/Sync"
	methodLock             = "/" + serviceName + "/Lock"
	methodLockAll          = "/" + serviceName + "/LockAll"
	methodResolveConflict  = "/" + serviceName + "/ResolveConflict"
	methodRetryOperation   = "/" + serviceName + "/RetryOperation"
	methodDiscardOperation = "/" + serviceName + "/DiscardOperation"
	methodEvents           = "/" + serviceName + "/Events"
)

// ControlServer is the control API served by the agent. Requests and
// responses are protobuf well-known types, so no generated code is needed.
type ControlServer interface {
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	// Sync runs a sync and delivery pass. An empty vault id means every
	// unlocked vault.
	Sync(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	Lock(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	LockAll(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	// ResolveConflict takes {"conflict_id": ..., "resolution": ...}.
	ResolveConflict(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	RetryOperation(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	DiscardOperation(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	Events(*emptypb.Empty, grpc.ServerStream) error
}

func unaryHandler[Req any, PReq interface {
	*Req
}, Resp any](method string, call func(ControlServer, context.Context, PReq) (Resp, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := PReq(new(Req))
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ControlServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ControlServer), ctx, req.(PReq))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func eventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ControlServer).Events(in, stream)
}

// ServiceDesc describes the control service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Status", Handler: unaryHandler(methodStatus, ControlServer.Status)},
		{MethodName: "Sync", Handler: unaryHandler(methodSync, ControlServer.Sync)},
		{MethodName: "Lock", Handler: unaryHandler(methodLock, ControlServer.Lock)},
		{MethodName: "LockAll", Handler: unaryHandler(methodLockAll, ControlServer.LockAll)},
		{MethodName: "ResolveConflict", Handler: unaryHandler(methodResolveConflict, ControlServer.ResolveConflict)},
		{MethodName: "RetryOperation", Handler: unaryHandler(methodRetryOperation, ControlServer.RetryOperation)},
		{MethodName: "DiscardOperation", Handler: unaryHandler(methodDiscardOperation, ControlServer.DiscardOperation)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Events", Handler: eventsHandler, ServerStreams: true},
	},
	Metadata: "vaultsync/agent/v1/control.proto",
}

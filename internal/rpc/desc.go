package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// FleetServer is the handler contract behind the hand-written service
// descriptor; *Service is its only implementation.
type FleetServer interface {
	GetFleetSnapshot(context.Context, *SnapshotRequest) (*SnapshotResponse, error)
	GetAggregates(context.Context, *AggregateRequest) (*AggregateResponse, error)
	StreamFleet(*StreamRequest, grpc.ServerStream) error
	StreamHistory(*HistoryRequest, grpc.ServerStream) error
}

// Desc is the service descriptor normally produced by protoc; written by
// hand here because the wire format is JSON, not protobuf.
var Desc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*FleetServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetFleetSnapshot",
			Handler:    getFleetSnapshotHandler,
		},
		{
			MethodName: "GetAggregates",
			Handler:    getAggregatesHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamFleet",
			Handler:       streamFleetHandler,
			ServerStreams: true,
		},
		{
			StreamName:    "StreamHistory",
			Handler:       streamHistoryHandler,
			ServerStreams: true,
		},
	},
	Metadata: "fleetpulse/v1/fleet",
}

func getFleetSnapshotHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SnapshotRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FleetServer).GetFleetSnapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + ServiceName + "/GetFleetSnapshot",
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FleetServer).GetFleetSnapshot(ctx, req.(*SnapshotRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getAggregatesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(AggregateRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FleetServer).GetAggregates(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + ServiceName + "/GetAggregates",
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FleetServer).GetAggregates(ctx, req.(*AggregateRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func streamFleetHandler(srv any, stream grpc.ServerStream) error {
	in := new(StreamRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(FleetServer).StreamFleet(in, stream)
}

func streamHistoryHandler(srv any, stream grpc.ServerStream) error {
	in := new(HistoryRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(FleetServer).StreamHistory(in, stream)
}

package peerlink

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// The peer link service carries codec encoded envelopes in well-known wrapper
// messages, so it needs no generated stubs.
const (
	serviceName     = "postoffice.peerlink.v1.PeerLink"
	deliverMethod   = "/" + serviceName + "/Deliver"
	heartbeatMethod = "/" + serviceName + "/Heartbeat"
)

// peerLinkServer is the server side of the peer link service
type peerLinkServer interface {
	// Deliver receives an encoded envelope for a local queue
	Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error)

	// Heartbeat receives the node id of a peer checking this node is alive
	Heartbeat(ctx context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error)
}

var peerLinkServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*peerLinkServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Deliver",
			Handler:    deliverHandler,
		},
		{
			MethodName: "Heartbeat",
			Handler:    heartbeatHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "postoffice/peerlink/v1/peerlink.proto",
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(peerLinkServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: deliverMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(peerLinkServer).Deliver(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func heartbeatHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(peerLinkServer).Heartbeat(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: heartbeatMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(peerLinkServer).Heartbeat(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

// Package api exposes open conversations to local clients over gRPC.
//
// The service is declared by hand: requests and responses travel as
// google.protobuf.Struct so no generated stubs are needed.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "chatsync.v1.TimelineService"

// TimelineServer is implemented by TimelineService.
type TimelineServer interface {
	Activate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	LoadPage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Send(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Resend(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Retry(context.Context, *structpb.Struct) (*structpb.Struct, error)
	React(context.Context, *structpb.Struct) (*structpb.Struct, error)
	IndexOf(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Join(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Knock(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Close(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Watch(*structpb.Struct, grpc.ServerStream) error
}

type unaryMethod func(TimelineServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryMethod) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(TimelineServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(TimelineServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes the timeline service to grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TimelineServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Activate", TimelineServer.Activate),
		unary("LoadPage", TimelineServer.LoadPage),
		unary("Send", TimelineServer.Send),
		unary("Resend", TimelineServer.Resend),
		unary("Retry", TimelineServer.Retry),
		unary("React", TimelineServer.React),
		unary("IndexOf", TimelineServer.IndexOf),
		unary("Join", TimelineServer.Join),
		unary("Knock", TimelineServer.Knock),
		unary("Close", TimelineServer.Close),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName: "Watch",
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(structpb.Struct)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(TimelineServer).Watch(in, stream)
			},
			ServerStreams: true,
		},
	},
	Metadata: "chatsync/v1/timeline.proto",
}

// Register adds srv to s.
func Register(s grpc.ServiceRegistrar, srv TimelineServer) {
	s.RegisterService(&ServiceDesc, srv)
}

package helper

import (
	"context"

	"google.golang.org/grpc"
)

const (
	serviceName = "tcpview.helper.v1.Resolver"

	methodPing     = "/" + serviceName + "/Ping"
	methodResolve  = "/" + serviceName + "/Resolve"
	methodShutdown = "/" + serviceName + "/Shutdown"
)

// resolverServer is the server side of the helper service.
type resolverServer interface {
	Ping(context.Context, *PingRequest) (*PingReply, error)
	Resolve(context.Context, *ResolveRequest) (*ResolveReply, error)
	Shutdown(context.Context, *ShutdownRequest) (*ShutdownReply, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*resolverServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Ping",
			Handler:    unaryHandler(methodPing, resolverServer.Ping),
		},
		{
			MethodName: "Resolve",
			Handler:    unaryHandler(methodResolve, resolverServer.Resolve),
		},
		{
			MethodName: "Shutdown",
			Handler:    unaryHandler(methodShutdown, resolverServer.Shutdown),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tcpview/helper/v1/resolver.proto",
}

func unaryHandler[Req, Resp any](fullMethod string, call func(resolverServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(resolverServer)
		if interceptor == nil {
			return call(s, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(s, ctx, req.(*Req))
		})
	}
}

// resolverClient is the client side of the helper service.
type resolverClient struct {
	cc grpc.ClientConnInterface
}

func (c resolverClient) Ping(ctx context.Context, in *PingRequest, opts ...grpc.CallOption) (*PingReply, error) {
	out := new(PingReply)
	if err := c.cc.Invoke(ctx, methodPing, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c resolverClient) Resolve(ctx context.Context, in *ResolveRequest, opts ...grpc.CallOption) (*ResolveReply, error) {
	out := new(ResolveReply)
	if err := c.cc.Invoke(ctx, methodResolve, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c resolverClient) Shutdown(ctx context.Context, in *ShutdownRequest, opts ...grpc.CallOption) (*ShutdownReply, error) {
	out := new(ShutdownReply)
	if err := c.cc.Invoke(ctx, methodShutdown, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

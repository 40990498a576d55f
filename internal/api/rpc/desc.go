package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "gateway.v1.Gateway"

// GatewayServer is the SDK-facing API. Requests and responses are free-form
// structs so clients need no generated code beyond the well-known types.
type GatewayServer interface {
	ListDevices(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListEndpoints(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CallEndpoint(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PublishTopic(context.Context, *structpb.Struct) (*structpb.Struct, error)
	QueryHistory(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type methodFunc func(GatewayServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(method string, call methodFunc) grpc.MethodDesc {
	full := "/" + ServiceName + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(GatewayServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(GatewayServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var gatewayServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GatewayServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("ListDevices", GatewayServer.ListDevices),
		unary("ListEndpoints", GatewayServer.ListEndpoints),
		unary("CallEndpoint", GatewayServer.CallEndpoint),
		unary("PublishTopic", GatewayServer.PublishTopic),
		unary("QueryHistory", GatewayServer.QueryHistory),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gateway/v1/gateway.proto",
}

func RegisterGatewayServer(s grpc.ServiceRegistrar, srv GatewayServer) {
	s.RegisterService(&gatewayServiceDesc, srv)
}

// GatewayClient calls a Gateway over conn.
type GatewayClient struct {
	cc grpc.ClientConnInterface
}

func NewGatewayClient(cc grpc.ClientConnInterface) *GatewayClient {
	return &GatewayClient{cc: cc}
}

func (c *GatewayClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *GatewayClient) ListDevices(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "ListDevices", in, opts...)
}

func (c *GatewayClient) ListEndpoints(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "ListEndpoints", in, opts...)
}

func (c *GatewayClient) CallEndpoint(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "CallEndpoint", in, opts...)
}

func (c *GatewayClient) PublishTopic(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "PublishTopic", in, opts...)
}

func (c *GatewayClient) QueryHistory(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "QueryHistory", in, opts...)
}

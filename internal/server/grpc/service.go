package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified name of the trigger service.
const ServiceName = "harmony.v1.Harmonizer"

const (
	MethodRun        = "/" + ServiceName + "/Run"
	MethodStatus     = "/" + ServiceName + "/Status"
	MethodConnect    = "/" + ServiceName + "/Connect"
	MethodDisconnect = "/" + ServiceName + "/Disconnect"
)

// HarmonizerServer is the server API of harmony.v1.Harmonizer. Requests and
// responses are google.protobuf.Struct documents.
type HarmonizerServer interface {
	Run(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Connect(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Disconnect(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// HarmonizerServiceDesc describes harmony.v1.Harmonizer for grpc.Server.
var HarmonizerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*HarmonizerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Run", Handler: unary(MethodRun, HarmonizerServer.Run)},
		{MethodName: "Status", Handler: unary(MethodStatus, HarmonizerServer.Status)},
		{MethodName: "Connect", Handler: unary(MethodConnect, HarmonizerServer.Connect)},
		{MethodName: "Disconnect", Handler: unary(MethodDisconnect, HarmonizerServer.Disconnect)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "harmony/v1/harmonizer.proto",
}

// RegisterHarmonizerServer registers srv on s.
func RegisterHarmonizerServer(s grpc.ServiceRegistrar, srv HarmonizerServer) {
	s.RegisterService(&HarmonizerServiceDesc, srv)
}

type method func(HarmonizerServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(fullMethod string, call method) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(HarmonizerServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(HarmonizerServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// HarmonizerClient calls harmony.v1.Harmonizer.
type HarmonizerClient struct {
	cc grpc.ClientConnInterface
}

func NewHarmonizerClient(cc grpc.ClientConnInterface) *HarmonizerClient {
	return &HarmonizerClient{cc: cc}
}

func (c *HarmonizerClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HarmonizerClient) Run(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodRun, in, opts...)
}

func (c *HarmonizerClient) Status(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodStatus, in, opts...)
}

func (c *HarmonizerClient) Connect(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodConnect, in, opts...)
}

func (c *HarmonizerClient) Disconnect(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodDisconnect, in, opts...)
}

package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceDesc describes uptime.v1.UptimeService using well-known types only,
// so no generated code is needed on either side.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*UptimeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RunSweep", Handler: runSweepHandler},
		{MethodName: "GetMonitorStatus", Handler: getMonitorStatusHandler},
		{MethodName: "IngestAlert", Handler: ingestAlertHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "uptime/v1/uptime.proto",
}

func runSweepHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(UptimeServer).RunSweep(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodRunSweep}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(UptimeServer).RunSweep(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func getMonitorStatusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.UInt64Value)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(UptimeServer).GetMonitorStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetMonitorStatus}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(UptimeServer).GetMonitorStatus(ctx, req.(*wrapperspb.UInt64Value))
	}
	return interceptor(ctx, in, info, handler)
}

func ingestAlertHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(UptimeServer).IngestAlert(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodIngestAlert}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(UptimeServer).IngestAlert(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Client calls UptimeService over an existing connection.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) RunSweep(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodRunSweep, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetMonitorStatus(ctx context.Context, id uint64, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodGetMonitorStatus, wrapperspb.UInt64(id), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) IngestAlert(ctx context.Context, payload map[string]any, opts ...grpc.CallOption) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(payload)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodIngestAlert, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

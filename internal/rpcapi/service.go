// Package rpcapi defines the generic gRPC surfaces every fabric process
// serves, carrying internal/wire's opaque envelopes. Concrete services
// (Registry, the Agent Runtime's request endpoint, the Supervisor's query
// endpoint, the Error Bus, the Digital Twin) multiplex over one of these two
// RPC surfaces by Request.Action, instead of each defining its own
// protoc-generated service — there is no protoc step in this build, and
// internal/wire's codec already gives every action a self-describing,
// forward-compatible payload.
//
// Requester serves request/reply (Endpoint Pool kinds "request"/"reply").
// Streamer serves publish/subscribe (Endpoint Pool kinds
// "publish"/"subscribe"). A process implements whichever it needs; most
// implement only Requester.
//
// Both ServiceDescs are hand-written in the exact shape protoc-gen-go-grpc
// emits, so they drop in wherever generated code normally would.
package rpcapi

import (
	"context"

	"github.com/agentfabric/fabric/internal/wire"
	"google.golang.org/grpc"
)

// RequesterServer answers one request/reply call.
type RequesterServer interface {
	Invoke(context.Context, *wire.Request) (*wire.Response, error)
}

func _Requester_Invoke_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wire.Request)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RequesterServer).Invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/fabric.Requester/Invoke"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RequesterServer).Invoke(ctx, req.(*wire.Request))
	}
	return interceptor(ctx, in, info, handler)
}

// Requester_ServiceDesc is registered via RegisterRequesterServer.
var Requester_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "fabric.Requester",
	HandlerType: (*RequesterServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Invoke", Handler: _Requester_Invoke_Handler},
	},
	Metadata: "fabric/rpcapi/service.go",
}

// RegisterRequesterServer registers srv on s.
func RegisterRequesterServer(s *grpc.Server, srv RequesterServer) {
	s.RegisterService(&Requester_ServiceDesc, srv)
}

// RequesterClient calls Invoke against a ClientConn using the fabric-json
// codec (internal/wire.CodecName), selected per-call via
// grpc.CallContentSubtype rather than grpc.ForceServerCodec, so a fabric
// process can in principle share a *grpc.Server with other codecs later.
type RequesterClient struct {
	cc grpc.ClientConnInterface
}

// NewRequesterClient wraps an established ClientConn.
func NewRequesterClient(cc grpc.ClientConnInterface) *RequesterClient {
	return &RequesterClient{cc: cc}
}

// Invoke issues one request/reply call.
func (c *RequesterClient) Invoke(ctx context.Context, in *wire.Request, opts ...grpc.CallOption) (*wire.Response, error) {
	opts = append(opts, grpc.CallContentSubtype(wire.CodecName))
	out := new(wire.Response)
	if err := c.cc.Invoke(ctx, "/fabric.Requester/Invoke", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// StreamerServer serves one publish/subscribe call; the initial Request
// carries the topic filter and Send pushes ErrorEvent/HealthTransition
// payloads wrapped in Response.
type StreamerServer interface {
	Subscribe(*wire.Request, Streamer_SubscribeServer) error
}

// Streamer_SubscribeServer is the server-side stream handle for Subscribe.
type Streamer_SubscribeServer interface {
	Send(*wire.Response) error
	grpc.ServerStream
}

type streamerSubscribeServer struct{ grpc.ServerStream }

func (x *streamerSubscribeServer) Send(m *wire.Response) error {
	return x.ServerStream.SendMsg(m)
}

func _Streamer_Subscribe_Handler(srv any, stream grpc.ServerStream) error {
	m := new(wire.Request)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(StreamerServer).Subscribe(m, &streamerSubscribeServer{stream})
}

// Streamer_ServiceDesc is registered via RegisterStreamerServer.
var Streamer_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "fabric.Streamer",
	HandlerType: (*StreamerServer)(nil),
	Streams: []grpc.StreamDesc{
		{StreamName: "Subscribe", Handler: _Streamer_Subscribe_Handler, ServerStreams: true},
	},
	Metadata: "fabric/rpcapi/service.go",
}

// RegisterStreamerServer registers srv on s.
func RegisterStreamerServer(s *grpc.Server, srv StreamerServer) {
	s.RegisterService(&Streamer_ServiceDesc, srv)
}

// Streamer_SubscribeClient is the client-side stream handle for Subscribe.
type Streamer_SubscribeClient interface {
	Recv() (*wire.Response, error)
	grpc.ClientStream
}

type streamerSubscribeClient struct{ grpc.ClientStream }

func (x *streamerSubscribeClient) Recv() (*wire.Response, error) {
	m := new(wire.Response)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// StreamerClient opens Subscribe streams against a ClientConn.
type StreamerClient struct {
	cc grpc.ClientConnInterface
}

// NewStreamerClient wraps an established ClientConn.
func NewStreamerClient(cc grpc.ClientConnInterface) *StreamerClient {
	return &StreamerClient{cc: cc}
}

// Subscribe opens one publish/subscribe stream filtered by in's payload.
func (c *StreamerClient) Subscribe(ctx context.Context, in *wire.Request, opts ...grpc.CallOption) (Streamer_SubscribeClient, error) {
	opts = append(opts, grpc.CallContentSubtype(wire.CodecName))
	stream, err := c.cc.NewStream(ctx, &Streamer_ServiceDesc.Streams[0], "/fabric.Streamer/Subscribe", opts...)
	if err != nil {
		return nil, err
	}
	x := &streamerSubscribeClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

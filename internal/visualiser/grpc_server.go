package visualiser

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const streamProgressMethod = "/lbm.visualiser.v1.ProgressService/StreamProgress"

// ProgressServer is the server API of the progress service. Requests are
// structs; the "snapshots" boolean field subscribes to snapshot frames as
// well as progress frames.
type ProgressServer interface {
	StreamProgress(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

func streamProgressHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(ProgressServer).StreamProgress(req, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

var progressServiceDesc = grpc.ServiceDesc{
	ServiceName: "lbm.visualiser.v1.ProgressService",
	HandlerType: (*ProgressServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamProgress",
			Handler:       streamProgressHandler,
			ServerStreams: true,
		},
	},
	Metadata: "lbm/visualiser/v1/progress.proto",
}

// RegisterService registers srv on a gRPC server.
func RegisterService(s grpc.ServiceRegistrar, srv ProgressServer) {
	s.RegisterService(&progressServiceDesc, srv)
}

// StreamProgress opens a progress stream on conn.
func StreamProgress(ctx context.Context, conn grpc.ClientConnInterface, req *structpb.Struct, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := conn.NewStream(ctx, &progressServiceDesc.Streams[0], streamProgressMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}
	if req == nil {
		req = &structpb.Struct{}
	}
	if err := x.ClientStream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

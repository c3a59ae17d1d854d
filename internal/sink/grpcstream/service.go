package grpcstream

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/eventtrack/internal/sink"
)

// The service uses well-known message types, so the descriptor is written
// out here instead of being generated:
//
//	service Tracker {
//	  rpc StreamEstimates(google.protobuf.Empty) returns (stream google.protobuf.Struct);
//	}
const (
	ServiceName          = "eventtrack.Tracker"
	StreamEstimatesName  = "StreamEstimates"
	StreamEstimatesRoute = "/" + ServiceName + "/" + StreamEstimatesName
)

// TrackerServer is the server side of the Tracker service.
type TrackerServer interface {
	StreamEstimates(*emptypb.Empty, grpc.ServerStream) error
}

var _ TrackerServer = (*Publisher)(nil)

func streamEstimatesHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(emptypb.Empty)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(TrackerServer).StreamEstimates(req, stream)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TrackerServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    StreamEstimatesName,
			Handler:       streamEstimatesHandler,
			ServerStreams: true,
		},
	},
	Metadata: "eventtrack/tracker.proto",
}

// RegisterTrackerServer registers srv on s.
func RegisterTrackerServer(s grpc.ServiceRegistrar, srv TrackerServer) {
	s.RegisterService(&serviceDesc, srv)
}

// Subscription is the client side of a StreamEstimates call.
type Subscription struct {
	stream grpc.ClientStream
}

// Subscribe opens a StreamEstimates call on cc.
func Subscribe(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (*Subscription, error) {
	stream, err := cc.NewStream(ctx, &serviceDesc.Streams[0], StreamEstimatesRoute, opts...)
	if err != nil {
		return nil, fmt.Errorf("open estimate stream: %w", err)
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, fmt.Errorf("send stream request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("close stream send: %w", err)
	}
	return &Subscription{stream: stream}, nil
}

// Recv blocks for the next output.
func (s *Subscription) Recv() (sink.Output, error) {
	msg := new(structpb.Struct)
	if err := s.stream.RecvMsg(msg); err != nil {
		return sink.Output{}, err
	}
	return StructToOutput(msg)
}

package visualiser

import (
	"context"
	"errors"
	"log"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ViewerServer is the server API of depthview.Viewer.
type ViewerServer interface {
	StreamFrames(*StreamRequest, FrameSender) error
}

// FrameSender is the server side of a StreamFrames call.
type FrameSender interface {
	Send(*FrameBundle) error
	Context() context.Context
}

const streamFramesMethod = "/depthview.Viewer/StreamFrames"

var viewerServiceDesc = grpc.ServiceDesc{
	ServiceName: "depthview.Viewer",
	HandlerType: (*ViewerServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamFrames",
			Handler:       streamFramesHandler,
			ServerStreams: true,
		},
	},
	Metadata: "depthview.proto",
}

// RegisterViewerServer registers srv on s.
func RegisterViewerServer(s grpc.ServiceRegistrar, srv ViewerServer) {
	s.RegisterService(&viewerServiceDesc, srv)
}

func streamFramesHandler(srv any, stream grpc.ServerStream) error {
	req := new(StreamRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(ViewerServer).StreamFrames(req, &frameSender{stream})
}

type frameSender struct {
	grpc.ServerStream
}

func (s *frameSender) Send(f *FrameBundle) error {
	return s.ServerStream.SendMsg(f)
}

// Server streams frames from a Publisher.
type Server struct {
	publisher *Publisher
}

// NewServer creates a viewer service backed by publisher.
func NewServer(publisher *Publisher) *Server {
	return &Server{publisher: publisher}
}

// StreamFrames implements ViewerServer.
func (s *Server) StreamFrames(req *StreamRequest, stream FrameSender) error {
	log.Printf("[gRPC] StreamFrames started: serial=%q points=%v decimation=%s ratio=%.2f",
		req.Serial, req.IncludePoints, req.Decimation, req.DecimationRatio)

	if err := req.Validate(); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	id, frames, err := s.publisher.Subscribe("grpc", req)
	switch {
	case errors.Is(err, ErrTooManyClients):
		return status.Error(codes.ResourceExhausted, err.Error())
	case err != nil:
		return status.Error(codes.Unavailable, err.Error())
	}
	defer s.publisher.Unsubscribe(id)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[gRPC] StreamFrames %s cancelled", id)
			return ctx.Err()
		case frame, ok := <-frames:
			if !ok {
				return status.Error(codes.Unavailable, "publisher stopped")
			}
			if err := stream.Send(frame.ForRequest(req)); err != nil {
				log.Printf("[gRPC] Send error on %s: %v", id, err)
				return err
			}
		}
	}
}

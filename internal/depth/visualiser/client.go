package visualiser

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client connects to a depthview.Viewer service.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient creates a client for target. Extra options are appended after
// insecure credentials and the message size limit.
func NewClient(target string, opts ...grpc.DialOption) (*Client, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxMsgSize)),
	}
	conn, err := grpc.NewClient(target, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("create client for %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }

// FrameStream yields bundles from one StreamFrames call.
type FrameStream struct {
	cs grpc.ClientStream
}

// StreamFrames starts a stream. Cancel ctx to end it.
func (c *Client) StreamFrames(ctx context.Context, req *StreamRequest) (*FrameStream, error) {
	cs, err := c.conn.NewStream(ctx, &viewerServiceDesc.Streams[0], streamFramesMethod,
		grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, err
	}
	if err := cs.SendMsg(req); err != nil {
		return nil, err
	}
	if err := cs.CloseSend(); err != nil {
		return nil, err
	}
	return &FrameStream{cs: cs}, nil
}

// Recv blocks for the next bundle. It returns io.EOF when the server ends
// the stream cleanly.
func (s *FrameStream) Recv() (*FrameBundle, error) {
	f := new(FrameBundle)
	if err := s.cs.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}

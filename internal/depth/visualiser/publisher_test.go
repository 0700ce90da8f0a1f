package visualiser

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ListenAddr != "localhost:50061" {
		t.Errorf("expected ListenAddr=localhost:50061, got %s", cfg.ListenAddr)
	}
	if cfg.MaxClients != 8 {
		t.Errorf("expected MaxClients=8, got %d", cfg.MaxClients)
	}
}

func TestPublisher_NotRunning(t *testing.T) {
	pub := NewPublisher(Config{})
	stats := pub.Stats()
	if stats.Running {
		t.Error("expected Running=false before Start")
	}

	pub.Publish(&FrameBundle{FrameID: 1})
	if pub.Stats().FrameCount != 0 {
		t.Error("frames published before Start must be ignored")
	}
	if _, _, err := pub.Subscribe("test", nil); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Subscribe before Start: got %v", err)
	}
	// Stop before Start is a no-op.
	pub.Stop()
}

func TestPublisher_InProcessOnly(t *testing.T) {
	pub := NewPublisher(Config{MaxClients: 2})
	require.NoError(t, pub.Start())
	defer pub.Stop()
	assert.Nil(t, pub.Addr())
	assert.Error(t, pub.Start(), "second Start fails")

	id, ch, err := pub.Subscribe("ws", nil)
	require.NoError(t, err)
	assert.Len(t, pub.Clients(), 1)

	frame := &FrameBundle{FrameID: 3, Clouds: []*CameraCloud{testCloud("A", 4)}}
	pub.Publish(frame)

	select {
	case got := <-ch:
		assert.Same(t, frame, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
	assert.Same(t, frame, pub.Latest())
	// Counters are bumped after the frame is handed on.
	require.Eventually(t, func() bool {
		st, clients := pub.Stats(), pub.Clients()
		return st.FrameCount == 1 && st.PointCount == uint64(frame.PointCount()) &&
			len(clients) == 1 && clients[0].Frames == 1
	}, 2*time.Second, time.Millisecond)

	pub.Unsubscribe(id)
	_, open := <-ch
	assert.False(t, open, "Unsubscribe closes the channel")
	pub.Unsubscribe(id) // idempotent
	assert.Equal(t, int32(0), pub.Stats().ClientCount)
}

func TestPublisher_MaxClients(t *testing.T) {
	pub := NewPublisher(Config{MaxClients: 1})
	require.NoError(t, pub.Serve(nil))
	defer pub.Stop()

	_, _, err := pub.Subscribe("a", nil)
	require.NoError(t, err)
	_, _, err = pub.Subscribe("b", nil)
	assert.ErrorIs(t, err, ErrTooManyClients)
}

func TestPublisher_SlowClientDrops(t *testing.T) {
	pub := NewPublisher(Config{ClientBuffer: 1})
	require.NoError(t, pub.Serve(nil))
	defer pub.Stop()

	_, ch, err := pub.Subscribe("slow", nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		pub.Publish(&FrameBundle{FrameID: uint64(i + 1)})
	}
	require.Eventually(t, func() bool {
		return pub.Stats().DroppedFrames > 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Greater(t, pub.Clients()[0].Dropped, uint64(0))

	first := <-ch
	assert.Equal(t, uint64(1), first.FrameID)
}

func TestPublisher_StopClosesSubscribers(t *testing.T) {
	pub := NewPublisher(Config{})
	require.NoError(t, pub.Serve(nil))
	_, ch, err := pub.Subscribe("x", nil)
	require.NoError(t, err)

	pub.Stop()
	_, open := <-ch
	assert.False(t, open)
	assert.False(t, pub.Stats().Running)
}

func startBufconn(t *testing.T, cfg Config) (*Publisher, *Client) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	pub := NewPublisher(cfg)
	require.NoError(t, pub.Serve(lis))
	t.Cleanup(pub.Stop)

	client, err := NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return pub, client
}

func waitForClients(t *testing.T, pub *Publisher, n int32) {
	t.Helper()
	require.Eventually(t, func() bool {
		return pub.Stats().ClientCount == n
	}, 5*time.Second, 5*time.Millisecond)
}

func TestGRPC_StreamFrames(t *testing.T) {
	pub, client := startBufconn(t, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream, err := client.StreamFrames(ctx, &StreamRequest{Serial: "B", IncludePoints: true, Decimation: DecimationUniform, DecimationRatio: 0.5})
	require.NoError(t, err)
	waitForClients(t, pub, 1)

	pub.Publish(&FrameBundle{FrameID: 11, TimestampNanos: 99, Clouds: []*CameraCloud{testCloud("A", 10), testCloud("B", 20)}})

	got, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, uint64(11), got.FrameID)
	assert.Equal(t, int64(99), got.TimestampNanos)
	require.Len(t, got.Clouds, 1)
	assert.Equal(t, "B", got.Clouds[0].Serial)
	assert.Equal(t, 10, got.Clouds[0].PointCount)
	assert.Equal(t, DecimationUniform, got.Clouds[0].DecimationMode)

	cancel()
	waitForClients(t, pub, 0)
}

func TestGRPC_InvalidRatio(t *testing.T) {
	_, client := startBufconn(t, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream, err := client.StreamFrames(ctx, &StreamRequest{IncludePoints: true, Decimation: DecimationVoxel})
	require.NoError(t, err)

	_, err = stream.Recv()
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGRPC_TooManyClients(t *testing.T) {
	pub, client := startBufconn(t, Config{MaxClients: 1})
	_, _, err := pub.Subscribe("local", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream, err := client.StreamFrames(ctx, &StreamRequest{})
	require.NoError(t, err)

	_, err = stream.Recv()
	require.Error(t, err)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
	assert.False(t, errors.Is(err, io.EOF))
}

package l6publish

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod"
)

func startService(t *testing.T, pub *Publisher) *StateClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewGRPCServer()
	Register(srv, NewStateServer(pub))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewStateClient(conn)
}

func TestServiceLatest(t *testing.T) {
	pub := NewPublisher()
	client := startService(t, pub)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.Latest(ctx, ContentAll)
	assert.Equal(t, codes.Unavailable, status.Code(err))

	pub.Publish(estimate(9))
	got, err := client.Latest(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, NewStatePacket(estimate(9), ContentAll), got)

	orbit, err := client.Latest(ctx, ContentOrbit)
	require.NoError(t, err)
	assert.Equal(t, ContentOrbit, orbit.Content)
	assert.Equal(t, vaod.Quaternion{}, orbit.Attitude)
}

func TestServiceWatch(t *testing.T) {
	pub := NewPublisher()
	pub.Publish(estimate(1))
	client := startService(t, pub)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.Watch(ctx, ContentAttitude)
	require.NoError(t, err)

	first, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.Sequence)

	// Wait for the server-side subscription before publishing.
	require.Eventually(t, func() bool { return pub.Stats().Subscribers == 1 }, 2*time.Second, 5*time.Millisecond)
	pub.Publish(estimate(2))
	next, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), next.Sequence)
	assert.Equal(t, ContentAttitude, next.Content)

	cancel()
	_, err = stream.Recv()
	assert.Error(t, err)
	require.Eventually(t, func() bool { return pub.Stats().Subscribers == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestCodecRejectsForeignTypes(t *testing.T) {
	var c Codec
	_, err := c.Marshal("state")
	assert.Error(t, err)
	assert.Error(t, c.Unmarshal(nil, new(int)))

	b, err := c.Marshal(&StateRequest{Content: ContentOrbit})
	require.NoError(t, err)
	var req StateRequest
	require.NoError(t, c.Unmarshal(b, &req))
	assert.Equal(t, ContentOrbit, req.Content)
}

package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharedMemory_SendRecvRoundTrip(t *testing.T) {
	name := "test-channel-" + t.Name()
	pub, err := openSharedMemory(Config{RemoteAddr: name})
	require.NoError(t, err)
	defer pub.Close()

	sub, err := openSharedMemory(Config{RemoteAddr: name})
	require.NoError(t, err)
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	n, err := pub.Send(ctx, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 16)
	n, err = sub.Recv(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
}

func TestSharedMemory_RecvRespectsContextCancellation(t *testing.T) {
	name := "test-channel-" + t.Name()
	sub, err := openSharedMemory(Config{RemoteAddr: name})
	require.NoError(t, err)
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = sub.Recv(ctx, make([]byte, 16))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSharedMemory_StatsTrackBytes(t *testing.T) {
	name := "test-channel-" + t.Name()
	pub, err := openSharedMemory(Config{RemoteAddr: name})
	require.NoError(t, err)
	defer pub.Close()

	ctx := context.Background()
	_, err = pub.Send(ctx, []byte("12345"))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), pub.Stats().Snapshot().BytesSent)
}

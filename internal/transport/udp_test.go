package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUDPBackend_SendRecvRoundTrip(t *testing.T) {
	server, err := openUDP(Config{LocalAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	defer server.Close()

	serverAddr := server.(*UDPBackend).conn.LocalAddr().String()
	client, err := openUDP(Config{LocalAddr: "127.0.0.1:0", RemoteAddr: serverAddr})
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	n, err := client.Send(ctx, []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	buf := make([]byte, 16)
	n, err = server.Recv(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))
}

func TestUDPBackend_SendWithoutRemoteErrors(t *testing.T) {
	b, err := openUDP(Config{LocalAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	defer b.Close()

	_, err = b.Send(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, errNoRemote)
}

func TestUDPBackend_RecvRespectsContextCancellation(t *testing.T) {
	b, err := openUDP(Config{LocalAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = b.Recv(ctx, make([]byte, 16))
	assert.Error(t, err)
}

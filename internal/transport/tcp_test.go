package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTCPBackend_SendRecvRoundTrip(t *testing.T) {
	server, err := openTCP(Config{LocalAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	defer server.Close()

	serverAddr := server.(*TCPBackend).listener.Addr().String()
	client, err := openTCP(Config{RemoteAddr: serverAddr})
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	n, err := client.Send(ctx, []byte("hello-tcp"))
	require.NoError(t, err)
	assert.Greater(t, n, 0)

	buf := make([]byte, 64)
	n, err = server.Recv(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello-tcp", string(buf[:n]))
}

func TestTCPBackend_SendWithoutRemoteErrors(t *testing.T) {
	b, err := openTCP(Config{})
	require.NoError(t, err)
	defer b.Close()

	_, err = b.Send(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, errNoRemote)
}

func TestTCPBackend_ConnectionIsCached(t *testing.T) {
	server, err := openTCP(Config{LocalAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	defer server.Close()

	serverAddr := server.(*TCPBackend).listener.Addr().String()
	client, err := openTCP(Config{RemoteAddr: serverAddr})
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err = client.Send(ctx, []byte("first"))
	require.NoError(t, err)
	_, err = server.Recv(ctx, make([]byte, 64))
	require.NoError(t, err)

	tcpClient := client.(*TCPBackend)
	tcpClient.connMu.Lock()
	cached := len(tcpClient.conns)
	tcpClient.connMu.Unlock()
	assert.Equal(t, 1, cached)
}

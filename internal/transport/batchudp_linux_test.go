//go:build linux

package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchUDPBackend_Available(t *testing.T) {
	assert.True(t, batchUDPAvailable())
}

func TestBatchUDPBackend_SendBatchRecvBatchRoundTrip(t *testing.T) {
	serverBackend, err := openBatchUDP(Config{LocalAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	server := serverBackend.(*BatchUDPBackend)
	defer server.Close()

	serverAddr := server.conn.LocalAddr().String()
	clientBackend, err := openBatchUDP(Config{LocalAddr: "127.0.0.1:0", RemoteAddr: serverAddr})
	require.NoError(t, err)
	client := clientBackend.(*BatchUDPBackend)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	messages := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	n, err := client.SendBatch(ctx, messages)
	require.NoError(t, err)
	assert.Equal(t, 3+3+5, n)

	bufs := make([][]byte, 3)
	for i := range bufs {
		bufs[i] = make([]byte, 16)
	}
	// Give the datagrams a moment to land in the receive buffer before
	// issuing the recvmmsg syscall.
	time.Sleep(10 * time.Millisecond)
	lens, err := server.RecvBatch(ctx, bufs)
	require.NoError(t, err)
	assert.Len(t, lens, 3)
}

func TestBatchUDPBackend_SendSingle(t *testing.T) {
	serverBackend, err := openBatchUDP(Config{LocalAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	server := serverBackend.(*BatchUDPBackend)
	defer server.Close()

	serverAddr := server.conn.LocalAddr().String()
	clientBackend, err := openBatchUDP(Config{LocalAddr: "127.0.0.1:0", RemoteAddr: serverAddr})
	require.NoError(t, err)
	client := clientBackend.(*BatchUDPBackend)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	n, err := client.Send(ctx, []byte("solo"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

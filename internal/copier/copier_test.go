package copier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectStrategy_Thresholds(t *testing.T) {
	s := New(DefaultConfig())

	assert.Equal(t, NormalCopy, s.SelectStrategy(1024))
	assert.Equal(t, ZeroCopy, s.SelectStrategy(128*1024))
	assert.Equal(t, ZeroCopy, s.SelectStrategy(64*1024))
	assert.Equal(t, NormalCopy, s.SelectStrategy(64*1024-1))
}

func TestSelectStrategy_DisabledZeroCopy(t *testing.T) {
	s := New(NoZeroCopyConfig())
	assert.Equal(t, NormalCopy, s.SelectStrategy(1024*1024))
}

func TestBufferPool_ExhaustionAndRelease(t *testing.T) {
	cfg := Config{PoolSize: 2, BufferSize: 1024, EnableZeroCopy: true, ZeroCopyThreshold: 0, MaxMessageSize: 1 << 20}
	s := New(cfg)

	buf1 := s.pool.acquire()
	buf2 := s.pool.acquire()
	require.NotNil(t, buf1)
	require.NotNil(t, buf2)

	buf3 := s.pool.acquire()
	assert.Nil(t, buf3)
	assert.Equal(t, uint64(1), s.Stats().PoolExhaustedCount())

	s.pool.release(buf1)
	buf4 := s.pool.acquire()
	assert.NotNil(t, buf4)
}

func TestPrepareSend_Small(t *testing.T) {
	s := New(DefaultConfig())
	data := make([]byte, 1024)

	strategy, buf, err := s.PrepareSend(data)
	require.NoError(t, err)
	assert.Equal(t, NormalCopy, strategy)
	assert.Nil(t, buf)
	assert.Equal(t, uint64(1), s.Stats().NormalCopyCount())
}

func TestPrepareSend_Large(t *testing.T) {
	s := New(DefaultConfig())
	data := make([]byte, 128*1024)

	strategy, buf, err := s.PrepareSend(data)
	require.NoError(t, err)
	assert.Equal(t, ZeroCopy, strategy)
	require.NotNil(t, buf)
	assert.Equal(t, uint64(1), s.Stats().ZeroCopyCount())

	s.CompleteSend(buf)
}

func TestPrepareSend_RejectsOversized(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxMessageSize = 1024
	s := New(cfg)

	_, _, err := s.PrepareSend(make([]byte, 2048))
	require.Error(t, err)
	var tooLarge *ErrTooLarge
	assert.ErrorAs(t, err, &tooLarge)
}

func TestStats_ZeroCopyRatio(t *testing.T) {
	s := New(DefaultConfig())

	for i := 0; i < 10; i++ {
		_, buf, err := s.PrepareSend(make([]byte, 1024))
		require.NoError(t, err)
		s.CompleteSend(buf)
	}
	for i := 0; i < 5; i++ {
		_, buf, err := s.PrepareSend(make([]byte, 128*1024))
		require.NoError(t, err)
		s.CompleteSend(buf)
	}

	assert.Equal(t, uint64(10), s.Stats().NormalCopyCount())
	assert.Equal(t, uint64(5), s.Stats().ZeroCopyCount())
	assert.Equal(t, uint64(15), s.Stats().TotalMessages())
	assert.InDelta(t, 1.0/3.0, s.Stats().ZeroCopyRatio(), 0.01)
}

func TestRegisteredBuffer_CopyFrom(t *testing.T) {
	buf := newRegisteredBuffer(1024, 0)
	assert.Equal(t, 1024, buf.Capacity())
	assert.Equal(t, 0, buf.ID())

	data := []byte{1, 2, 3, 4, 5}
	assert.True(t, buf.CopyFrom(data))
	assert.Equal(t, data, buf.Bytes())

	assert.False(t, buf.CopyFrom(make([]byte, 2048)))
}

func TestRoboticsConfig_Values(t *testing.T) {
	cfg := RoboticsConfig()
	assert.Equal(t, 32*1024, cfg.ZeroCopyThreshold)
	assert.Equal(t, 4*1024*1024, cfg.BufferSize)
	assert.Equal(t, 64*1024*1024, cfg.MaxMessageSize)
}

func TestLowMemoryConfig_Values(t *testing.T) {
	cfg := LowMemoryConfig()
	assert.Equal(t, 128*1024, cfg.ZeroCopyThreshold)
	assert.Equal(t, 512*1024, cfg.BufferSize)
	assert.Equal(t, 4, cfg.PoolSize)
}

func TestCompressDecompress_RoundTrip(t *testing.T) {
	original := make([]byte, 4096)
	for i := range original {
		original[i] = byte(i % 7)
	}

	compressed, ok := compress(original)
	require.True(t, ok)

	decompressed, err := Decompress(compressed)
	require.NoError(t, err)
	assert.Equal(t, original, decompressed)
}

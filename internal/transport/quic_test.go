package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQUICBackend_QuicConfigDefaults(t *testing.T) {
	b := &QUICBackend{cfg: Config{}}
	cfg := b.quicConfig()
	assert.Equal(t, 30*time.Second, cfg.MaxIdleTimeout)
	assert.Equal(t, 5*time.Second, cfg.KeepAlivePeriod)
	assert.Equal(t, int64(100), cfg.MaxIncomingStreams)
}

func TestQUICBackend_QuicConfigHonorsOverrides(t *testing.T) {
	b := &QUICBackend{cfg: Config{
		MaxIdleTimeoutMS:     60000,
		KeepAliveIntervalMS:  2000,
		MaxConcurrentStreams: 256,
		InitialRTTMS:         5,
	}}
	cfg := b.quicConfig()
	assert.Equal(t, 60*time.Second, cfg.MaxIdleTimeout)
	assert.Equal(t, 2*time.Second, cfg.KeepAlivePeriod)
	assert.Equal(t, int64(256), cfg.MaxIncomingStreams)
}

func TestDurationOrDefault(t *testing.T) {
	assert.Equal(t, 10*time.Millisecond, durationOrDefault(10, 999))
	assert.Equal(t, 999*time.Millisecond, durationOrDefault(0, 999))
}

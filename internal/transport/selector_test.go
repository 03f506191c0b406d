package transport

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyAddr_Loopback(t *testing.T) {
	assert.Equal(t, SameMachine, ClassifyAddr(net.ParseIP("127.0.0.1")))
	assert.Equal(t, SameMachine, ClassifyAddr(net.ParseIP("::1")))
}

func TestClassifyAddr_Private(t *testing.T) {
	assert.Equal(t, LocalNetwork, ClassifyAddr(net.ParseIP("192.168.1.5")))
	assert.Equal(t, LocalNetwork, ClassifyAddr(net.ParseIP("10.0.0.1")))
	assert.Equal(t, LocalNetwork, ClassifyAddr(net.ParseIP("172.16.0.1")))
}

func TestClassifyAddr_LinkLocal(t *testing.T) {
	assert.Equal(t, LocalNetwork, ClassifyAddr(net.ParseIP("169.254.1.1")))
	assert.Equal(t, LocalNetwork, ClassifyAddr(net.ParseIP("fe80::1")))
}

func TestClassifyAddr_UniqueLocalIPv6(t *testing.T) {
	assert.Equal(t, LocalNetwork, ClassifyAddr(net.ParseIP("fc00::1")))
	assert.Equal(t, LocalNetwork, ClassifyAddr(net.ParseIP("fd12:3456::1")))
}

func TestClassifyAddr_WideArea(t *testing.T) {
	assert.Equal(t, WideArea, ClassifyAddr(net.ParseIP("8.8.8.8")))
	assert.Equal(t, WideArea, ClassifyAddr(net.ParseIP("2001:4860:4860::8888")))
}

func allAvailable(Type) bool { return true }

func TestSelector_SelectLocal_PrefersSharedMemory(t *testing.T) {
	s := NewSelectorWithAvailability(DefaultPreferences(), allAvailable)
	got := s.Select(net.ParseIP("127.0.0.1"))
	assert.Equal(t, SharedMemory, got)
}

func TestSelector_SelectLocal_FallsThroughWhenUnavailable(t *testing.T) {
	avail := func(t Type) bool { return t != SharedMemory && t != UnixSocket }
	s := NewSelectorWithAvailability(DefaultPreferences(), avail)
	got := s.Select(net.ParseIP("127.0.0.1"))
	assert.Equal(t, IoUring, got)
}

func TestSelector_SelectLAN_ReliabilityWantsTCPWhenUnencryptedAllowed(t *testing.T) {
	s := NewSelectorWithAvailability(ReliablePreferences(), allAvailable)
	got := s.Select(net.ParseIP("192.168.1.1"))
	assert.Equal(t, TCP, got)
}

func TestSelector_SelectLAN_SecureWantsQUIC(t *testing.T) {
	s := NewSelectorWithAvailability(SecurePreferences(), allAvailable)
	got := s.Select(net.ParseIP("192.168.1.1"))
	assert.Equal(t, QUIC, got)
}

func TestSelector_SelectLAN_LowLatencyWantsIoUring(t *testing.T) {
	s := NewSelectorWithAvailability(DefaultPreferences(), allAvailable)
	got := s.Select(net.ParseIP("192.168.1.1"))
	assert.Equal(t, IoUring, got)
}

func TestSelector_SelectWAN_PrefersQUIC(t *testing.T) {
	s := NewSelectorWithAvailability(DefaultPreferences(), allAvailable)
	got := s.Select(net.ParseIP("8.8.8.8"))
	assert.Equal(t, QUIC, got)
}

func TestSelector_SelectWAN_FallsBackToTCPWhenReliable(t *testing.T) {
	avail := func(t Type) bool { return t != QUIC }
	s := NewSelectorWithAvailability(ReliablePreferences(), avail)
	got := s.Select(net.ParseIP("8.8.8.8"))
	assert.Equal(t, TCP, got)
}

func TestSelector_ForceTransport(t *testing.T) {
	forced := UDP
	prefs := DefaultPreferences()
	prefs.ForceTransport = &forced
	s := NewSelectorWithAvailability(prefs, allAvailable)
	got := s.Select(net.ParseIP("8.8.8.8"))
	assert.Equal(t, UDP, got)
}

func TestSelector_StickyChoice(t *testing.T) {
	s := NewSelectorWithAvailability(DefaultPreferences(), allAvailable)
	ip := net.ParseIP("192.168.1.1")
	first := s.Select(ip)

	// Change availability so the "natural" pick would now differ; the
	// sticky cache should keep returning the first choice.
	s.availability = func(t Type) bool { return t == UDP }
	second := s.Select(ip)
	assert.Equal(t, first, second)
}

func TestSelector_RecordFailureInvalidatesSticky(t *testing.T) {
	s := NewSelectorWithAvailability(DefaultPreferences(), allAvailable)
	ip := net.ParseIP("192.168.1.1")
	first := s.Select(ip)
	s.RecordFailure(ip.String(), first)

	s.stickyMu.RLock()
	_, stillCached := s.sticky[ip.String()]
	s.stickyMu.RUnlock()
	assert.False(t, stillCached)
	assert.Equal(t, uint64(1), s.Stats().FallbackEvents())
}

func TestSelector_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	s := NewSelectorWithAvailability(DefaultPreferences(), allAvailable)
	for i := 0; i < 3; i++ {
		s.RecordFailure("10.0.0.1", TCP)
	}
	assert.True(t, s.BreakerOpen(TCP))
}

func TestSelector_Fallback_Chain(t *testing.T) {
	s := NewSelectorWithAvailability(DefaultPreferences(), allAvailable)
	next, ok := s.Fallback("10.0.0.1", SharedMemory)
	require.True(t, ok)
	assert.Equal(t, UnixSocket, next)
}

func TestSelector_Fallback_SkipsUnavailable(t *testing.T) {
	avail := func(t Type) bool { return t != UnixSocket }
	s := NewSelectorWithAvailability(DefaultPreferences(), avail)
	next, ok := s.Fallback("10.0.0.1", SharedMemory)
	require.True(t, ok)
	assert.Equal(t, TCP, next)
}

func TestSelector_Fallback_DisabledReturnsFalse(t *testing.T) {
	prefs := MaxPerformancePreferences()
	s := NewSelectorWithAvailability(prefs, allAvailable)
	_, ok := s.Fallback("10.0.0.1", SharedMemory)
	assert.False(t, ok)
}

func TestSelector_Fallback_SkipsRecentlyFailedForRemote(t *testing.T) {
	s := NewSelectorWithAvailability(DefaultPreferences(), allAvailable)
	s.RecordFailure("10.0.0.1", UnixSocket)
	next, ok := s.Fallback("10.0.0.1", SharedMemory)
	require.True(t, ok)
	assert.Equal(t, TCP, next, "UnixSocket recently failed for this remote, should be skipped")
}

func TestSelector_Fallback_ThrottledByReconnectLimiter(t *testing.T) {
	s := NewSelectorWithAvailability(DefaultPreferences(), allAvailable)
	var lastOK bool
	for i := 0; i < 50; i++ {
		_, ok := s.Fallback("throttle-me", SharedMemory)
		lastOK = ok
		if !ok {
			break
		}
	}
	assert.False(t, lastOK, "reconnect limiter should eventually refuse fallback for a hammering remote")
}

func TestType_ExpectedLatencyOrdering(t *testing.T) {
	shmMin, shmMax := SharedMemory.ExpectedLatencyUS()
	quicMin, quicMax := QUIC.ExpectedLatencyUS()
	assert.Less(t, shmMax, quicMin)
	assert.LessOrEqual(t, shmMin, shmMax)
	assert.LessOrEqual(t, quicMin, quicMax)
}

func TestSelectorStats_SelectionsTracksPicks(t *testing.T) {
	s := NewSelectorWithAvailability(DefaultPreferences(), allAvailable)
	s.Select(net.ParseIP("127.0.0.1"))
	s.Select(net.ParseIP("127.0.0.2"))
	assert.Equal(t, uint64(2), s.Stats().Selections(SharedMemory))
}
